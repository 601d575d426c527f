package domain

import "errors"

var (
	// ErrAuthentication means the login call failed or returned an unparsable body.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTransport covers network failures and non-JSON bodies for a single entity call.
	ErrTransport = errors.New("transport error")
	// ErrUpstreamRejected is a well-formed response with a non-success code.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrStorage means the storage backend could not serve a check, read or write.
	ErrStorage = errors.New("storage error")

	ErrNoCredentials = errors.New("provide email and password or x_client_id and passkey")
	ErrInvalidConfig = errors.New("invalid config")
)
