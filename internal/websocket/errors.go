package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidJSON      = errors.New("failed to marshal message")
	ErrWriteBufferFull  = errors.New("write buffer is full")
)
