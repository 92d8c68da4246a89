package routecore

import "errors"

// Sentinel errors returned by the selector and pipeline.
var (
	ErrUnknownModel       = errors.New("routecore: unknown or disabled model alias")
	ErrNoAvailableBackend = errors.New("routecore: no available backends for alias")
	ErrBackendNotFound    = errors.New("routecore: requested provider not configured for this alias")
)
