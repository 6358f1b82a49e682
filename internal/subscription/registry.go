// Package subscription implements C4, the fan-out registry mapping
// directories to their connected subscribers (spec §4.4).
package subscription

import (
	"context"
	"sync"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/wire"
)

// Sender is the per-session outbound write port a StreamSession registers
// itself as. NotifySubscribers writes are serialized per Sender by the
// StreamSession that owns it (spec §4.5) — the registry itself does not
// serialize concurrent writes onto the same stream.
type Sender interface {
	Send(ctx context.Context, f wire.Frame) error
}

// Registry holds the three mappings of spec §4.4 under a single
// reader-writer lock.
type Registry struct {
	mu sync.RWMutex

	dirToClients map[string]map[string]struct{}
	clientToDirs map[string]map[string]struct{}
	senders      map[string]Sender
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		dirToClients: make(map[string]map[string]struct{}),
		clientToDirs: make(map[string]map[string]struct{}),
		senders:      make(map[string]Sender),
	}
}

// Subscribe registers clientID as a subscriber of dirID and records its
// send handle. Idempotent.
func (r *Registry) Subscribe(clientID, dirID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirToClients[dirID] == nil {
		r.dirToClients[dirID] = make(map[string]struct{})
	}
	r.dirToClients[dirID][clientID] = struct{}{}

	if r.clientToDirs[clientID] == nil {
		r.clientToDirs[clientID] = make(map[string]struct{})
	}
	r.clientToDirs[clientID][dirID] = struct{}{}

	r.senders[clientID] = sender
}

// Unsubscribe removes clientID from dirID's subscriber set.
func (r *Registry) Unsubscribe(clientID, dirID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.dirToClients[dirID], clientID)
	if len(r.dirToClients[dirID]) == 0 {
		delete(r.dirToClients, dirID)
	}
	delete(r.clientToDirs[clientID], dirID)
	if len(r.clientToDirs[clientID]) == 0 {
		delete(r.clientToDirs, clientID)
	}
}

// RemoveClient tears down every subscription and the send handle for
// clientID, on disconnect.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for dirID := range r.clientToDirs[clientID] {
		delete(r.dirToClients[dirID], clientID)
		if len(r.dirToClients[dirID]) == 0 {
			delete(r.dirToClients, dirID)
		}
	}
	delete(r.clientToDirs, clientID)
	delete(r.senders, clientID)
}

// NotifySubscribers writes message to every subscriber of dirID except
// exceptClient, in the order they happen to be iterated. Ordering across
// subscribers is not guaranteed; ordering per destination is guaranteed by
// each Sender serializing its own writes.
func (r *Registry) NotifySubscribers(ctx context.Context, dirID, exceptClient string, message wire.Frame) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.dirToClients[dirID]))
	for clientID := range r.dirToClients[dirID] {
		if clientID == exceptClient {
			continue
		}
		if s, ok := r.senders[clientID]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(ctx, message); err != nil {
			logger.Warn("subscription: notify failed: %v", err)
		}
	}
}

// Subscribers returns a snapshot of dirID's current subscriber ids, used by
// tests and admin introspection.
func (r *Registry) Subscribers(dirID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dirToClients[dirID]))
	for clientID := range r.dirToClients[dirID] {
		out = append(out, clientID)
	}
	return out
}
