// Package logging constructs the slog loggers used across capstan. It
// supports a human console format and JSON, optional tee into a log file,
// and level selection from configuration.
package logging
