package domain

import "context"

// Emitter delivers outbound events to one connected client.
// An error means the client can no longer receive events.
type Emitter interface {
	Emit(ctx context.Context, ev OutboundEvent) error
}
