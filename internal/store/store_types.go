package store

import "errors"

const PostgresdbStoreType = "postgresdb"

// Common errors that can be returned by any store implementation
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrInternal           = errors.New("internal error")
	ErrShuttingDown       = errors.New("shutting down")
	ErrServiceUnavailable = errors.New("service unavailable") // 503 for external dependencies
	ErrBackendStopFailure = errors.New("backend stop failure") // 502 when a backend refuses a stop
)
