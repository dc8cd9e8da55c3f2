package crdt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/events"
)

// AwarenessChange reports which client ids an applied update added, updated
// or removed, and where the update came from.
type AwarenessChange struct {
	Added   []domain.ClientID
	Updated []domain.ClientID
	Removed []domain.ClientID
	Origin  Origin
}

type awarenessEntry struct {
	Clock uint32          `json:"clock"`
	State json.RawMessage `json:"state"` // null marks the client as gone
}

type awarenessUpdate map[domain.ClientID]awarenessEntry

// Awareness holds ephemeral per-client presence state (cursor, name, online
// flag). Entries are clock-versioned: an incoming entry wins only when its
// clock is newer, and a null state at a newer clock removes the client.
// Nothing here is persisted.
type Awareness struct {
	mu      sync.Mutex
	local   domain.ClientID
	entries map[domain.ClientID]awarenessEntry
	changes *events.Bus[AwarenessChange]
}

func NewAwareness(local domain.ClientID) *Awareness {
	return &Awareness{
		local:   local,
		entries: make(map[domain.ClientID]awarenessEntry),
		changes: events.NewBus[AwarenessChange](),
	}
}

func (a *Awareness) LocalID() domain.ClientID { return a.local }

func (a *Awareness) OnChange(h events.Handler[AwarenessChange]) *events.Subscription {
	return a.changes.Subscribe(h)
}

// Clients returns the ids that currently have a live state.
func (a *Awareness) Clients() []domain.ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]domain.ClientID, 0, len(a.entries))
	for id, e := range a.entries {
		if e.State != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// State returns the live state for one client, or nil.
func (a *Awareness) State(id domain.ClientID) json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[id].State
}

// SetLocalState publishes the local client's presence. A nil state announces
// departure.
func (a *Awareness) SetLocalState(state json.RawMessage) {
	a.mu.Lock()
	prev, existed := a.entries[a.local]
	next := awarenessEntry{Clock: prev.Clock + 1, State: state}
	a.entries[a.local] = next
	a.mu.Unlock()

	change := AwarenessChange{Origin: Local}
	switch {
	case state == nil:
		change.Removed = []domain.ClientID{a.local}
	case existed && prev.State != nil:
		change.Updated = []domain.ClientID{a.local}
	default:
		change.Added = []domain.ClientID{a.local}
	}
	a.changes.Publish(change)
}

// Encode serializes the entries for the given client ids, skipping unknown
// ones. The result feeds Apply on a peer.
func (a *Awareness) Encode(ids []domain.ClientID) ([]byte, error) {
	a.mu.Lock()
	upd := make(awarenessUpdate, len(ids))
	for _, id := range ids {
		if e, ok := a.entries[id]; ok {
			upd[id] = e
		}
	}
	a.mu.Unlock()
	data, err := json.Marshal(upd)
	if err != nil {
		return nil, fmt.Errorf("encode awareness: %w", err)
	}
	return data, nil
}

// EncodeAll serializes every known entry, live or departed.
func (a *Awareness) EncodeAll() ([]byte, error) {
	a.mu.Lock()
	ids := make([]domain.ClientID, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	return a.Encode(ids)
}

// Apply merges a peer's encoded entries and publishes the effective change.
func (a *Awareness) Apply(update []byte, origin Origin) error {
	var upd awarenessUpdate
	if err := json.Unmarshal(update, &upd); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}
	change := AwarenessChange{Origin: origin}
	a.mu.Lock()
	for id, incoming := range upd {
		prev, existed := a.entries[id]
		if existed && incoming.Clock <= prev.Clock {
			continue
		}
		a.entries[id] = incoming
		switch {
		case incoming.State == nil:
			if existed && prev.State != nil {
				change.Removed = append(change.Removed, id)
			}
		case !existed || prev.State == nil:
			change.Added = append(change.Added, id)
		default:
			change.Updated = append(change.Updated, id)
		}
	}
	a.mu.Unlock()
	if len(change.Added)+len(change.Updated)+len(change.Removed) > 0 {
		a.changes.Publish(change)
	}
	return nil
}

// RemoveClients marks the given clients as departed, bumping their clocks so
// the removal propagates to peers.
func (a *Awareness) RemoveClients(ids []domain.ClientID, origin Origin) {
	change := AwarenessChange{Origin: origin}
	a.mu.Lock()
	for _, id := range ids {
		prev, existed := a.entries[id]
		if !existed || prev.State == nil {
			continue
		}
		a.entries[id] = awarenessEntry{Clock: prev.Clock + 1, State: nil}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()
	if len(change.Removed) > 0 {
		a.changes.Publish(change)
	}
}
