// Package registry tracks the set of symbols of interest independently of
// any transport, so subscriptions survive reconnects and source switches.
package registry

import (
	"sort"
	"sync"

	"github.com/marketdeck/marketdeck/internal/schema"
)

// Subscriber is the transport-facing half of a subscription target.
type Subscriber interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
}

// Registry is an idempotent set of subscribed symbols.
type Registry struct {
	mu      sync.Mutex
	symbols map[string]struct{}
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{symbols: make(map[string]struct{})}
}

// Add records interest in a symbol. Returns false when the symbol was
// already present; callers use that to suppress duplicate downstream work.
func (r *Registry) Add(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.symbols[symbol]; exists {
		return false
	}
	r.symbols[symbol] = struct{}{}
	return true
}

// Remove drops interest in a symbol. Removing an absent symbol is a no-op.
func (r *Registry) Remove(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.symbols[symbol]; !exists {
		return false
	}
	delete(r.symbols, symbol)
	return true
}

// Has reports whether the symbol is currently subscribed.
func (r *Registry) Has(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.symbols[symbol]
	return exists
}

// Len returns the number of subscribed symbols.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.symbols)
}

// Snapshot returns the subscribed symbols in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.symbols))
	for symbol := range r.symbols {
		out = append(out, symbol)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// ReplayOnto pushes the entire current set to a transport, used after a
// reconnect or when the stream becomes authoritative again.
func (r *Registry) ReplayOnto(target Subscriber) {
	for _, symbol := range r.Snapshot() {
		target.Subscribe(symbol)
	}
}
