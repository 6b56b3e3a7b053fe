package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid json config",
			config: Config{Level: "info", Format: "json", Output: "stdout"},
		},
		{
			name:   "valid text config",
			config: Config{Level: "debug", Format: "text", Output: "stderr"},
		},
		{
			name:   "upper case level",
			config: Config{Level: "WARN"},
		},
		{
			name:    "invalid level",
			config:  Config{Level: "verbose"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  Config{Format: "xml"},
			wantErr: true,
		},
		{
			name:   "defaults applied",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestJSONOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("sync degraded", "repo", "octo/hello")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "sync degraded", entry["msg"])
	assert.Equal(t, "octo/hello", entry["repo"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghastats.log")
	logger, err := New(Config{Format: "text", Output: path})
	require.NoError(t, err)

	logger.Info("written to file", "pages", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "pages=3")
}

func TestFileOutputMissingDirectory(t *testing.T) {
	_, err := New(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
