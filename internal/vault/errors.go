package vault

import "errors"

var (
	// ErrWriteDenied means the vault lacks write or create permission. The
	// aggregator logs it and keeps going.
	ErrWriteDenied = errors.New("vault write denied")

	// ErrNotSupported means the backend has no implementation for the
	// requested operation.
	ErrNotSupported = errors.New("operation not supported by vault")

	// ErrZeroKey means a caller tried to store the all-zero placeholder
	// key, which must never be cached.
	ErrZeroKey = errors.New("refusing to store zero content key")
)
