// Package transport is the chat-transport boundary. Adapters deliver inbound
// messages to a handler and accept fanout instructions going out; the core
// never depends on a concrete transport.
package transport

import (
	"context"

	"coalesce/internal/domain"
)

// InboundHandler is invoked once per inbound chat message and returns the
// synchronous reply text (empty means no reply).
type InboundHandler func(ctx context.Context, msg domain.ChatMessage) string

// Deliverer pushes one payload to each recipient, fire-and-forget. Delivery
// failures are logged by the implementation, never retried by the core.
type Deliverer interface {
	Deliver(ctx context.Context, partyIDs []string, payload string)
}
