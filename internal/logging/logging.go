// Package logging resolves the slog logger used by the engine and provides
// redaction and prompt-log helpers.
package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultPromptLogPath = "draftkit-prompts.log"

// Config configures logging behavior.
type Config struct {
	// Logger is used as-is when set.
	Logger *slog.Logger

	// Handler builds the logger when Logger is nil.
	Handler slog.Handler

	// Level applies to the default stderr handler.
	Level slog.Level

	// LogPrompts appends every model request to PromptLogPath as JSON lines.
	LogPrompts bool

	// LogToolCalls logs capability arguments and results at debug level.
	LogToolCalls bool

	// RedactSensitive masks credential-like keys in logged arguments.
	RedactSensitive bool

	PromptLogPath string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:           slog.LevelInfo,
		RedactSensitive: true,
	}
}

// Silent discards all log output.
func (c Config) Silent() *Config {
	c.Logger = nil
	c.Handler = slog.NewTextHandler(io.Discard, nil)
	return &c
}

// Verbose enables debug output including capability calls.
func (c Config) Verbose() *Config {
	c.Level = slog.LevelDebug
	c.LogToolCalls = true
	return &c
}

// ResolveLogger returns the configured logger, falling back to a text
// handler on stderr.
func ResolveLogger(cfg Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	if cfg.Handler != nil {
		return slog.New(cfg.Handler)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level}))
}

var sensitiveKeys = map[string]struct{}{
	"api_key":        {},
	"apikey":         {},
	"authorization":  {},
	"token":          {},
	"password":       {},
	"secret":         {},
	"access_token":   {},
	"refresh_token":  {},
	"client_secret":  {},
	"private_key":    {},
	"session_token":  {},
	"bearer":         {},
	"x-api-key":      {},
	"openai_api_key": {},
}

// Redact returns a copy of value with credential-like keys masked. Values
// that cannot round-trip through JSON are returned unchanged.
func Redact(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return value
	}
	return redactAny(decoded)
}

func redactAny(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if IsSensitiveKey(key) {
				out[key] = "[redacted]"
				continue
			}
			out[key] = redactAny(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactAny(item)
		}
		return out
	default:
		return value
	}
}

// IsSensitiveKey reports whether key names a credential.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

var promptLogMu sync.Mutex

// WritePrompt appends payload as one JSON line to the configured prompt log.
// It is a no-op unless LogPrompts is set.
func WritePrompt(cfg Config, payload any) error {
	if !cfg.LogPrompts {
		return nil
	}
	path := cfg.PromptLogPath
	if strings.TrimSpace(path) == "" {
		path = defaultPromptLogPath
	}
	if cfg.RedactSensitive {
		payload = Redact(payload)
	}
	return writeJSONLine(path, payload)
}

func writeJSONLine(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	safePath, err := sanitizePath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(safePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create prompt log directory: %w", err)
		}
	}

	promptLogMu.Lock()
	defer promptLogMu.Unlock()

	file, err := os.OpenFile(safePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path sanitized above
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = file.Write(append(data, '\n'))
	return err
}

func sanitizePath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve prompt log path: %w", err)
	}
	if abs == string(filepath.Separator) {
		return "", errors.New("prompt log path is invalid")
	}
	return abs, nil
}
