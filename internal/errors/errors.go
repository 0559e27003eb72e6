package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionExpired     = errors.New("session expired or not authenticated")
	ErrNoConversation     = errors.New("no active conversation")
	ErrEmptyMessage       = errors.New("message has no text or attachment")
	ErrSessionClosed      = errors.New("session closed")
)

// Connection errors.
var (
	ErrNotConnected       = errors.New("websocket is not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Timeline errors. Neither leaves the chat package: decode failures are
// dropped and durable write failures roll back the optimistic entry.
var (
	ErrDecode       = errors.New("unrecognized event frame")
	ErrDurableWrite = errors.New("durable write failed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
