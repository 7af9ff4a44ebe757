package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Defaults(), cfg)
			},
		},
		{
			name: "file values override defaults",
			yaml: `
log_level: debug
ipc:
  stop_timeout: 2s
  receive_poll: 250ms
sources:
  delim:
    delimiter: "\\t"
    comment_char: ";"
  walk:
    digest: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Equal(t, 2*time.Second, cfg.IPC.StopTimeout)
				assert.Equal(t, 250*time.Millisecond, cfg.IPC.ReceivePoll)
				assert.Equal(t, 5*time.Second, cfg.IPC.KillGrace, "unset keys keep defaults")
				assert.Equal(t, `\t`, cfg.Sources.Delim.Delimiter)
				assert.Equal(t, ";", cfg.Sources.Delim.CommentChar)
				assert.True(t, cfg.Sources.Delim.SkipLinesWithoutDelim)
				assert.True(t, cfg.Sources.Walk.Digest)
			},
		},
		{
			name: "zero stop timeout means unbounded",
			yaml: `
ipc:
  stop_timeout: 0s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Zero(t, cfg.IPC.StopTimeout)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
log_level: ${TRIBUTARY_TEST_LEVEL}
`,
			env: map[string]string{"TRIBUTARY_TEST_LEVEL": "warn"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warn", cfg.LogLevel)
			},
		},
		{
			name: "environment overrides file",
			yaml: `
ipc:
  stop_timeout: 2s
`,
			env: map[string]string{
				"TRIBUTARY_IPC_STOP_TIMEOUT":    "9s",
				"TRIBUTARY_SOURCES_WALK_DIGEST": "true",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9*time.Second, cfg.IPC.StopTimeout)
				assert.True(t, cfg.Sources.Walk.Digest)
			},
		},
		{
			name:    "invalid log level",
			yaml:    `log_level: chatty`,
			wantErr: true,
		},
		{
			name: "negative stop timeout",
			yaml: `
ipc:
  stop_timeout: -1s
`,
			wantErr: true,
		},
		{
			name: "bad delimiter pattern",
			yaml: `
sources:
  delim:
    delimiter: "("
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "ipc: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("TRIBUTARY_LOG_LEVEL", "error")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, Defaults().IPC, cfg.IPC)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
