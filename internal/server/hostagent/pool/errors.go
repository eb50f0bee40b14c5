package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrOwnedByOther means the host belongs to a different orchestrator.
	ErrOwnedByOther = errors.New("host owned by another manager")
	// ErrUnsupportedStorage means the repository type cannot back a pool.
	ErrUnsupportedStorage = errors.New("unsupported storage type")
	// ErrMissingParameter means a required setting is empty.
	ErrMissingParameter = errors.New("missing required parameter")
	// ErrPoolMismatch means the configured alias differs from the master's pool.
	ErrPoolMismatch = errors.New("pool alias does not match master")
	// ErrMasterNotPooled means the master has not created its pool yet.
	ErrMasterNotPooled = errors.New("master host is not in a server pool")
)

// ConfigError marks a setup failure caused by configuration rather than a
// transient fault. Callers must not retry it.
type ConfigError struct {
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pool configuration: %v", e.Err)
	}
	return fmt.Sprintf("pool configuration: %v: %s", e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

func configError(err error, format string, args ...any) error {
	return &ConfigError{Detail: fmt.Sprintf(format, args...), Err: err}
}
