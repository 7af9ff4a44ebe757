package config

import "time"

// EnvPrefix prefixes every environment override, e.g. TRIBUTARY_IPC_STOP_TIMEOUT.
const EnvPrefix = "TRIBUTARY"

// Config represents the complete tributary configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	IPC      IPCConfig     `yaml:"ipc" envconfig:"IPC"`
	Sources  SourcesConfig `yaml:"sources" envconfig:"SOURCES"`
}

// IPCConfig tunes the parent/child channel and shutdown handshake.
type IPCConfig struct {
	// StopTimeout bounds the join after the shutdown sentinel is sent.
	// Zero waits forever.
	StopTimeout time.Duration `yaml:"stop_timeout" envconfig:"STOP_TIMEOUT"`
	// KillGrace is the time between SIGTERM and SIGKILL once StopTimeout expires.
	KillGrace time.Duration `yaml:"kill_grace" envconfig:"KILL_GRACE"`
	// ReceivePoll is how long a receive waits before reporting a transient timeout.
	// Zero blocks until a message arrives.
	ReceivePoll     time.Duration `yaml:"receive_poll" envconfig:"RECEIVE_POLL"`
	MaxMessageBytes int           `yaml:"max_message_bytes" envconfig:"MAX_MESSAGE_BYTES"`
}

// SourcesConfig holds defaults for the file sources.
type SourcesConfig struct {
	Delim DelimConfig `yaml:"delim" envconfig:"DELIM"`
	Walk  WalkConfig  `yaml:"walk" envconfig:"WALK"`
}

// DelimConfig holds defaults for delimited-text parsing.
type DelimConfig struct {
	Delimiter             string `yaml:"delimiter" envconfig:"DELIMITER"`
	CommentChar           string `yaml:"comment_char" envconfig:"COMMENT_CHAR"`
	SkipLinesWithoutDelim bool   `yaml:"skip_lines_without_delim" envconfig:"SKIP_LINES_WITHOUT_DELIM"`
}

// WalkConfig holds defaults for recursive directory walks.
type WalkConfig struct {
	Digest bool `yaml:"digest" envconfig:"DIGEST"`
}
