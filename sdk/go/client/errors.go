package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrConnectionClosed = errors.New("connection closed by server")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrInvalidMessage   = errors.New("invalid message")
)
