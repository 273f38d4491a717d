package drm

import "errors"

var (
	// ErrEmptyLicense means the CDM parsed a license but produced zero
	// content keys.
	ErrEmptyLicense = errors.New("license returned no content keys")

	// ErrContentKeyNotFound means a specifically required key ID stayed
	// unresolved after every vault and license attempt.
	ErrContentKeyNotFound = errors.New("content key not found")

	// ErrToolFailure means the external decryption tool exited non-zero or
	// produced no usable output file.
	ErrToolFailure = errors.New("decryption tool failed")

	// ErrInterrupted means the decryption tool was killed mid-run, usually
	// by cancellation.
	ErrInterrupted = errors.New("decryption interrupted")
)
