package chat

import "errors"

var (
	// ErrAuthentication means the login exchange failed: rejected
	// credentials or an unreachable auth service.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnauthenticated means an authorized call was attempted without a
	// session token, or the service rejected the token.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrTransport wraps network and protocol failures of fetch, save and
	// channel operations.
	ErrTransport = errors.New("transport failure")

	// ErrChannelNotOpen means a live channel action was attempted outside the
	// Open state.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrEmptyMessage means Send was given blank text.
	ErrEmptyMessage = errors.New("empty message")
)
