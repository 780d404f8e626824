package realtime

import "context"

// Transport opens push subscriptions against the change feed. It is
// injectable so tests can script message delivery and transport failures
// without a network.
type Transport interface {
	// Subscribe opens a change stream filtered to one entity type's topic.
	Subscribe(ctx context.Context, entity, filter string) (Conn, error)
}

// Conn is a single open subscription stream delivering raw feed messages.
type Conn interface {
	// Recv blocks for the next message. It returns an error when the
	// transport drops; the manager then reconnects with backoff.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the subscription.
	Close() error
}
