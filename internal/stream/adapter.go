// Package stream provides push-transport adapters: a simulated feed for
// development and tests, and a websocket client for a live endpoint. Both
// emit the same raw typed events and lifecycle signals, so the arbitration
// controller never cares which one it is wired to.
package stream

import (
	"context"
	"time"

	"github.com/marketdeck/marketdeck/internal/schema"
)

// LifecycleKind enumerates transport lifecycle signals.
type LifecycleKind string

const (
	// LifecycleConnected signals a successful (re)connect handshake.
	LifecycleConnected LifecycleKind = "connected"
	// LifecycleDisconnected signals an orderly disconnect.
	LifecycleDisconnected LifecycleKind = "disconnected"
	// LifecycleTransportError signals a connection drop or handshake failure.
	LifecycleTransportError LifecycleKind = "transport-error"
	// LifecycleReconnectExhausted signals the adapter gave up after the
	// reconnect cap; no further automatic recovery is attempted.
	LifecycleReconnectExhausted LifecycleKind = "reconnect-exhausted"
)

// LifecycleEvent carries one transport lifecycle signal.
type LifecycleEvent struct {
	Kind LifecycleKind
	Err  error
	At   time.Time
}

// Adapter is the push-transport contract consumed by the arbitration
// controller.
//
// Connect begins an asynchronous handshake; outcomes surface on Lifecycle.
// Disconnect is idempotent and always leaves the adapter disconnected.
// Subscribe and Unsubscribe are remembered while disconnected and replayed
// after a successful (re)connect. Close tears the adapter down for good.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	Events() <-chan *schema.Event
	Lifecycle() <-chan LifecycleEvent
	Close()
}
