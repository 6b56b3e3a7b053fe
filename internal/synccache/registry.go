package synccache

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrSyncInProgress is returned when a repository already has an active
// sync.
var ErrSyncInProgress = errors.New("sync already in progress for repository")

// Registry hands out one cache per repository and refuses a second
// concurrent holder.
type Registry struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	active map[string]struct{}
}

func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Acquire returns a fresh, unloaded cache for repo and the func that
// releases it. Every session gets its own cache so state is always
// rehydrated from the store.
func (r *Registry) Acquire(repo string) (*Cache, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[repo]; busy {
		return nil, nil, errors.Wrapf(ErrSyncInProgress, "%s", repo)
	}
	r.active[repo] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, repo)
			r.mu.Unlock()
		})
	}
	return New(repo, r.store, r.logger), release, nil
}

// Active reports whether repo currently has a holder.
func (r *Registry) Active(repo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[repo]
	return ok
}
