package interfaces

import "context"

// Store is the audit persistence surface used by the relay. Implementations
// must tolerate concurrent callers; failures are logged by callers and never
// interrupt event routing.
type Store interface {
	// RecordMarket upserts a market registration.
	RecordMarket(ctx context.Context, marketID string) error

	// RecordParticipant upserts a participant for a market and marks it online.
	RecordParticipant(ctx context.Context, marketID, participantID string) error

	// SetParticipantOnline flips a participant's online flag.
	SetParticipantOnline(ctx context.Context, marketID, participantID string, online bool) error

	// RecordSettlement records the final status of one settlement handshake.
	// Status is one of "delivered", "skipped", "expired".
	RecordSettlement(ctx context.Context, commitID, marketID, buyerID, sellerID, status string) error

	// HealthCheck validates connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases the store.
	Close() error
}
