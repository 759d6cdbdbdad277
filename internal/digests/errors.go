package digests

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable marks storage failures. Callers retry; records are never dropped.
	ErrBackendUnavailable = errors.New("digests: backend unavailable")
	ErrInvalidKey         = errors.New("digests: invalid key")
	ErrInvalidRecord      = errors.New("digests: invalid record")
	// ErrConfiguration is fatal at boot.
	ErrConfiguration = errors.New("digests: configuration error")
)

// Unavailable wraps a storage error so both it and ErrBackendUnavailable match errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrBackendUnavailable, err))
}

func IsUnavailable(err error) bool { return errors.Is(err, ErrBackendUnavailable) }

func invalidKey(key, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidKey, key, reason)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
