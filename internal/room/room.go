// Package room owns the server-side unit of isolation: one document, its
// awareness store, and every connection collaborating on it.
package room

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/events"
	"github.com/TexteaInc/y-socket.io/internal/protocol"
)

// Conn abstracts the transport endpoint a room fans out to.
// Owned by the server adapter; the adapter must Close() it.
type Conn interface {
	TrySend(data []byte) error
	Close()
}

type member struct {
	conn     Conn
	clientID domain.ClientID
	userID   domain.UserID
	// awareness client ids this connection introduced; removed together
	// with the connection so peers see the participants leave
	controlled map[domain.ClientID]struct{}
}

// Room binds a document replica and awareness store to a set of member
// connections. Effective document and awareness changes re-broadcast to every
// member except the one they came from.
type Room struct {
	name      domain.RoomName
	doc       *crdt.AutomergeDoc
	awareness *crdt.Awareness

	loaded  chan struct{}
	loadErr error

	mu       sync.RWMutex
	closed   bool
	owner    domain.UserID
	ownerSet bool
	members  map[string]*member

	docSub       *events.Subscription
	awarenessSub *events.Subscription
	onEmpty      func(*Room)
}

func newRoom(name domain.RoomName, onEmpty func(*Room)) *Room {
	doc := crdt.NewDoc()
	r := &Room{
		name:      name,
		doc:       doc,
		awareness: crdt.NewAwareness(doc.ClientID()),
		loaded:    make(chan struct{}),
		members:   make(map[string]*member),
		onEmpty:   onEmpty,
	}
	r.docSub = doc.OnUpdate(r.handleDocUpdate)
	r.awarenessSub = r.awareness.OnChange(r.handleAwarenessChange)
	return r
}

func (r *Room) Name() domain.RoomName      { return r.name }
func (r *Room) Doc() *crdt.AutomergeDoc    { return r.doc }
func (r *Room) Awareness() *crdt.Awareness { return r.awareness }

// Loaded is closed once the persistence bind has settled. LoadErr is only
// meaningful afterwards.
func (r *Room) Loaded() <-chan struct{} { return r.loaded }

func (r *Room) LoadErr() error {
	select {
	case <-r.loaded:
		return r.loadErr
	default:
		return nil
	}
}

func (r *Room) Owner() (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner, r.ownerSet
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Join attaches a connection. The first user to join a fresh room becomes
// its owner. Fails with ErrRoomClosed once the registry has deregistered the
// room: a caller racing a teardown must take a fresh room instead of
// attaching to one whose broadcasts are dead.
func (r *Room) Join(connID string, conn Conn, clientID domain.ClientID, userID domain.UserID) (isOwner bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, domain.ErrRoomClosed
	}
	if !r.ownerSet {
		r.owner = userID
		r.ownerSet = true
	}
	r.members[connID] = &member{
		conn:       conn,
		clientID:   clientID,
		userID:     userID,
		controlled: map[domain.ClientID]struct{}{clientID: {}},
	}
	log.Info().Str("module", "room").Str("room", string(r.name)).
		Str("conn", connID).Str("client", clientID.String()).Msg("member joined")
	return r.owner == userID, nil
}

// markClosed rejects any further Join. Called by the registry at the moment
// the room leaves its map.
func (r *Room) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// closeIfIdle marks the room closed only when no member remains, atomically
// with respect to Join. Reports whether this call claimed the teardown.
func (r *Room) closeIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Leave detaches a connection and withdraws the awareness entries it
// controlled, tagged with the connection as origin so nothing echoes back on
// the dead transport. Fires the empty signal when the last member leaves.
func (r *Room) Leave(connID string) {
	r.mu.Lock()
	m, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, connID)
	remaining := len(r.members)
	r.mu.Unlock()

	ids := make([]domain.ClientID, 0, len(m.controlled))
	for id := range m.controlled {
		ids = append(ids, id)
	}
	r.awareness.RemoveClients(ids, crdt.Remote(connID))

	log.Info().Str("module", "room").Str("room", string(r.name)).
		Str("conn", connID).Int("remaining", remaining).Msg("member left")
	if remaining == 0 && r.onEmpty != nil {
		r.onEmpty(r)
	}
}

// Broadcast fans data out to every member except the origin connection.
// A member whose transport rejects the frame is closed; its read pump will
// take the regular teardown path.
func (r *Room) Broadcast(exceptConnID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, m := range r.members {
		if connID == exceptConnID {
			continue
		}
		if err := m.conn.TrySend(data); err != nil {
			log.Warn().Str("module", "room").Str("room", string(r.name)).
				Str("conn", connID).Err(err).Msg("dropping unresponsive member")
			m.conn.Close()
		}
	}
}

// CloseConns force-disconnects every member except the given connection.
func (r *Room) CloseConns(exceptConnID string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.members))
	for connID, m := range r.members {
		if connID != exceptConnID {
			conns = append(conns, m.conn)
		}
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *Room) handleDocUpdate(u crdt.Update) {
	data, err := protocol.Encode(protocol.Message{Type: protocol.DocUpdate, Payload: u.Data})
	if err != nil {
		log.Error().Err(err).Str("module", "room").Msg("encode doc update")
		return
	}
	r.Broadcast(originConnID(u.Origin), data)
}

func (r *Room) handleAwarenessChange(c crdt.AwarenessChange) {
	connID := originConnID(c.Origin)
	r.trackControlled(connID, c)

	changed := make([]domain.ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	changed = append(changed, c.Added...)
	changed = append(changed, c.Updated...)
	changed = append(changed, c.Removed...)
	payload, err := r.awareness.Encode(changed)
	if err != nil {
		log.Error().Err(err).Str("module", "room").Msg("encode awareness change")
		return
	}
	data, err := protocol.Encode(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "room").Msg("encode awareness message")
		return
	}
	r.Broadcast(connID, data)
}

// trackControlled keeps each connection's set of introduced awareness ids in
// step with the changes it sends.
func (r *Room) trackControlled(connID string, c crdt.AwarenessChange) {
	if connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return
	}
	for _, id := range c.Added {
		m.controlled[id] = struct{}{}
	}
	for _, id := range c.Removed {
		delete(m.controlled, id)
	}
}

// release detaches the room's own subscriptions so no callback outlives it.
func (r *Room) release() {
	r.docSub.Cancel()
	r.awarenessSub.Cancel()
}

func originConnID(o crdt.Origin) string {
	if o.Kind == crdt.OriginRemote {
		return o.ConnID
	}
	return ""
}
