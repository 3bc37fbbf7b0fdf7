package domain

import "errors"

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrPoolNotFound   = errors.New("pool not found")

	ErrBackendUnavailable          = errors.New("credential backend unavailable")
	ErrInvalidCredential           = errors.New("invalid credential")
	ErrEmptyToken                  = errors.New("token is empty")
	ErrAuthExpired                 = errors.New("credential expired")
	ErrUnauthorized                = errors.New("unauthorized")
	ErrLockTimeout                 = errors.New("lock acquisition timed out")
	ErrOperationTimeout            = errors.New("operation timed out")
	ErrFetchFailed                 = errors.New("fetch failed")
	ErrConnectionFailed            = errors.New("connection failed")
	ErrConnectionPermanentlyFailed = errors.New("connection permanently failed")
	ErrConnectTimeout              = errors.New("connection establishment timed out")
	ErrNonRetryable                = errors.New("non-retryable stream failure")
	ErrPoolsSaturated              = errors.New("all connection pools are saturated")
	ErrPoolStopped                 = errors.New("connection pool stopped")
	ErrConnectionNotFound          = errors.New("connection not found")
)
