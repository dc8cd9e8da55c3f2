package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/protocol"
	"github.com/TexteaInc/y-socket.io/internal/room"
)

const closeTimeout = 10 * time.Second

// Session binds one transport connection to one room. The binding is
// established during connection setup and never changes for the connection's
// lifetime.
type Session struct {
	id       string
	conn     room.Conn
	registry *room.Registry
	room     *room.Room
	clientID domain.ClientID
	userID   domain.UserID

	once sync.Once
}

func newSession(id string, conn room.Conn, registry *room.Registry, r *room.Room,
	clientID domain.ClientID, userID domain.UserID) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		room:     r,
		clientID: clientID,
		userID:   userID,
	}
}

// start replays initial state to a freshly joined connection: the per-client
// greeting, the room's awareness snapshot when peers are present, and the
// diff-request handshake once the document load settles.
func (s *Session) start(isOwner bool) {
	s.sendData(protocol.ClientData{UserID: s.userID, IsOwner: isOwner})

	if clients := s.room.Awareness().Clients(); len(clients) > 0 {
		payload, err := s.room.Awareness().Encode(clients)
		if err != nil {
			log.Error().Err(err).Str("module", "server").Msg("encode awareness snapshot")
		} else {
			s.send(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload})
		}
	}

	go func() {
		<-s.room.Loaded()
		if err := s.room.LoadErr(); err != nil {
			log.Error().Err(err).Str("module", "server").Str("conn", s.id).Msg("room load failed")
		}
		s.send(protocol.Message{Type: protocol.DocDiff, Payload: s.room.Doc().StateVector()})
	}()
}

func (s *Session) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "server").Str("conn", s.id).Msg("bad message")
		return
	}
	switch msg.Type {
	case protocol.DocDiff:
		s.handleDocDiff(msg)
	case protocol.DocUpdate:
		s.handleDocUpdate(msg)
	case protocol.AwarenessUpdate:
		s.handleAwarenessUpdate(msg)
	case protocol.RoomClose:
		s.handleRoomClose()
	default:
		log.Warn().Str("module", "server").Str("type", string(msg.Type)).Msg("unexpected message")
	}
}

// handleDocDiff answers a peer's state vector with the bytes it is missing.
// The response is a snapshot relative to the supplied vector; it stays valid
// even if the peer advanced in the meantime, apply is idempotent.
func (s *Session) handleDocDiff(msg protocol.Message) {
	diff, err := s.room.Doc().DiffSince(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "server").Str("conn", s.id).Msg("bad state vector")
		return
	}
	if len(diff) == 0 {
		return
	}
	s.send(protocol.Message{Type: protocol.DocUpdate, Payload: diff})
}

func (s *Session) handleDocUpdate(msg protocol.Message) {
	if err := s.room.Doc().Apply(msg.Payload, crdt.Remote(s.id)); err != nil {
		log.Warn().Err(err).Str("module", "server").Str("conn", s.id).Msg("apply update")
		return
	}
	if msg.AckID != 0 {
		s.send(protocol.Message{Type: protocol.Ack, AckID: msg.AckID})
	}
}

func (s *Session) handleAwarenessUpdate(msg protocol.Message) {
	if err := s.room.Awareness().Apply(msg.Payload, crdt.Remote(s.id)); err != nil {
		log.Warn().Err(err).Str("module", "server").Str("conn", s.id).Msg("apply awareness")
	}
}

// handleRoomClose tears the whole room down on the owner's request: persist,
// release, and force-disconnect every other member.
func (s *Session) handleRoomClose() {
	owner, ok := s.room.Owner()
	if !ok || owner != s.userID {
		log.Warn().Str("module", "server").Str("conn", s.id).
			Str("room", string(s.room.Name())).Msg("room:close from non-owner ignored")
		return
	}
	if _, ok := s.registry.Get(s.room.Name()); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.registry.Close(ctx, s.room.Name()); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("room close")
	}
	s.room.CloseConns(s.id)
}

// teardown runs once when the connection dies for any reason.
func (s *Session) teardown() {
	s.once.Do(func() {
		s.room.Leave(s.id)
	})
}

func (s *Session) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("encode message")
		return
	}
	if err := s.conn.TrySend(data); err != nil {
		log.Debug().Err(err).Str("module", "server").Str("conn", s.id).Msg("send failed")
	}
}

func (s *Session) sendData(data protocol.ClientData) {
	payload, err := protocol.EncodeClientData(data)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("encode client data")
		return
	}
	s.send(protocol.Message{Type: protocol.DataUpdate, Payload: payload})
}
