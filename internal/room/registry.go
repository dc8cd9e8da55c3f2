package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/persistence"
)

// Registry owns every live room, at most one instance per name. It is built
// once by the composition root and handed to the server by reference; there
// is no ambient global room map.
type Registry struct {
	store      persistence.Store
	autoDelete bool

	mu    sync.Mutex
	rooms map[domain.RoomName]*Room
	// names with a flush still in flight; a reborn room's load awaits the
	// channel so it observes the snapshot the previous incarnation wrote
	closing map[domain.RoomName]chan struct{}
}

// NewRegistry builds a registry over the given persistence store. With
// autoDelete enabled, a room closes itself as soon as its last member leaves;
// otherwise rooms live until the owner (or an operator) closes them.
func NewRegistry(store persistence.Store, autoDelete bool) *Registry {
	if store == nil {
		store = persistence.Noop{}
	}
	return &Registry{
		store:      store,
		autoDelete: autoDelete,
		rooms:      make(map[domain.RoomName]*Room),
		closing:    make(map[domain.RoomName]chan struct{}),
	}
}

// Ensure returns the room for name, materializing it on first use. The
// persistence bind starts immediately and asynchronously; concurrent callers
// share the one in-flight load and can await it via Room.Loaded.
func (reg *Registry) Ensure(name domain.RoomName) *Room {
	reg.mu.Lock()
	r, ok := reg.rooms[name]
	if !ok {
		var onEmpty func(*Room)
		if reg.autoDelete {
			onEmpty = reg.handleEmpty
		}
		r = newRoom(name, onEmpty)
		reg.rooms[name] = r
		go reg.load(r, reg.closing[name])
		log.Info().Str("module", "room.registry").Str("room", string(name)).Msg("room materialized")
	}
	reg.mu.Unlock()
	return r
}

// load binds persisted state into a fresh room. When the previous incarnation
// of the name is still flushing, the bind waits for that flush first.
func (reg *Registry) load(r *Room, prevFlush <-chan struct{}) {
	if prevFlush != nil {
		<-prevFlush
	}
	err := reg.store.BindState(context.Background(), r.name, r.doc)
	if err != nil {
		log.Error().Err(err).Str("module", "room.registry").
			Str("room", string(r.name)).Msg("persistence bind failed")
	}
	r.loadErr = err
	close(r.loaded)
}

// Get is the non-creating lookup. Callers should only ask for rooms a prior
// Ensure established, so absence is reported, never silently fabricated.
func (reg *Registry) Get(name domain.RoomName) (*Room, bool) {
	reg.mu.Lock()
	r, ok := reg.rooms[name]
	reg.mu.Unlock()
	if !ok {
		log.Error().Str("module", "room.registry").Str("room", string(name)).Msg("room does not exist")
	}
	return r, ok
}

// Rooms reports the names of all live rooms, for operator inspection.
func (reg *Registry) Rooms() []domain.RoomName {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]domain.RoomName, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	return names
}

// Close tears a room down: deregisters it so late joiners fail over to a
// fresh room, awaits the in-flight load so a partial state is never written,
// gives persistence a final chance to flush, then releases the in-memory
// room.
func (reg *Registry) Close(ctx context.Context, name domain.RoomName) error {
	reg.mu.Lock()
	r, ok := reg.rooms[name]
	var flushed chan struct{}
	if ok {
		r.markClosed()
		delete(reg.rooms, name)
		flushed = make(chan struct{})
		reg.closing[name] = flushed
	}
	reg.mu.Unlock()
	if !ok {
		return fmt.Errorf("close room %q: %w", name, domain.ErrRoomNotFound)
	}
	return reg.flushAndRelease(ctx, r, flushed)
}

// flushAndRelease writes the room's final state and releases it. A failed or
// abandoned write is surfaced to the caller but never blocks the release,
// otherwise the room would leak. Closing the flushed channel unparks any
// reborn room's load waiting on this name.
func (reg *Registry) flushAndRelease(ctx context.Context, r *Room, flushed chan struct{}) error {
	defer func() {
		reg.mu.Lock()
		if reg.closing[r.name] == flushed {
			delete(reg.closing, r.name)
		}
		reg.mu.Unlock()
		close(flushed)
		r.release()
	}()

	select {
	case <-r.Loaded():
	case <-ctx.Done():
		return fmt.Errorf("close room %q: %w", r.name, ctx.Err())
	}

	if err := reg.store.WriteState(ctx, r.name, r.doc); err != nil {
		log.Error().Err(err).Str("module", "room.registry").
			Str("room", string(r.name)).Msg("persistence write failed")
		return fmt.Errorf("close room %q: %w", r.name, err)
	}
	log.Info().Str("module", "room.registry").Str("room", string(r.name)).Msg("room closed")
	return nil
}

// handleEmpty tears an auto-delete room down after its last member left. The
// idle check claims the room under the registry lock, atomically with Join:
// a connection joining at the same moment either lands first and keeps the
// room alive, or finds the room closed and takes a fresh one.
func (reg *Registry) handleEmpty(r *Room) {
	go func() {
		reg.mu.Lock()
		if reg.rooms[r.name] != r || !r.closeIfIdle() {
			reg.mu.Unlock()
			return
		}
		delete(reg.rooms, r.name)
		flushed := make(chan struct{})
		reg.closing[r.name] = flushed
		reg.mu.Unlock()
		if err := reg.flushAndRelease(context.Background(), r, flushed); err != nil {
			log.Warn().Err(err).Str("module", "room.registry").
				Str("room", string(r.name)).Msg("auto-delete close")
		}
	}()
}
