package collector

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/source"
)

// StageError is a terminal failure of one phase of a sync.
type StageError struct {
	Stage Phase
	Repo  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage.verb(), e.Repo, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Phase, repo string, err error) error {
	return &StageError{Stage: stage, Repo: repo, Err: err}
}

// IsStageError reports whether err is a terminal phase failure, returning it.
func IsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	return errors.Is(err, source.ErrNotFound)
}
