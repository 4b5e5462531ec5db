package types

import "errors"

// Envelope validation errors.
var (
	ErrEmptyEvent      = errors.New("envelope event cannot be empty")
	ErrUnknownEvent    = errors.New("unknown inbound event")
	ErrInvalidClientID = errors.New("client id must be 1-50 characters of [a-zA-Z0-9_-]")
)
