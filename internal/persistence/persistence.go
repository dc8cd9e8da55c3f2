// Package persistence loads and saves document snapshots around a room's
// lifetime. The registry calls BindState once when a room materializes and
// WriteState once when it is torn down.
package persistence

import (
	"context"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
)

// Document is the slice of the document adapter a store needs: merge
// persisted bytes in, and serialize the replica out.
type Document interface {
	Apply(update []byte, origin crdt.Origin) error
	Save() []byte
}

type Store interface {
	BindState(ctx context.Context, room domain.RoomName, doc Document) error
	WriteState(ctx context.Context, room domain.RoomName, doc Document) error
}

// Noop keeps nothing. Rooms start empty and vanish on close.
type Noop struct{}

func (Noop) BindState(context.Context, domain.RoomName, Document) error  { return nil }
func (Noop) WriteState(context.Context, domain.RoomName, Document) error { return nil }
