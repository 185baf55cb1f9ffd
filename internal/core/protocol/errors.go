package protocol

import "errors"

var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrNotAnObject       = errors.New("value is not a JSON object")
	ErrEmptyNotification = errors.New("notification has no key")
)
