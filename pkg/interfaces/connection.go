package interfaces

import (
	"gridrelay/pkg/types"
)

// Connection is one network link as seen by the broker and relay. The
// transport layer owns the link exclusively; registries only ever hold
// references. Implementations must make Send safe for concurrent use
// (single-writer pattern) and Close idempotent.
type Connection interface {
	// ID returns the relay-assigned connection id, stable for the life
	// of the link.
	ID() string

	// Send queues an envelope for delivery. Returns an error if the
	// connection is closed or the write buffer stays full past the
	// write timeout.
	Send(env *types.Envelope) error

	// Close tears down the link and releases resources.
	Close() error
}
