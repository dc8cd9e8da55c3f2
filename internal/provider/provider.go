// Package provider owns the client side of the sync protocol: one local
// replica, one transport connection lifecycle, and the synchronization state
// the application observes.
package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/events"
	"github.com/TexteaInc/y-socket.io/internal/protocol"
	"github.com/TexteaInc/y-socket.io/internal/relay"
)

// State is what the application sees of the connection.
//
// Connected implies not Connecting; Synced can only hold while Connected;
// entering an error clears both. Only the provider's own transition handlers
// mutate it.
type State struct {
	Connecting bool
	Connected  bool
	Synced     bool
	Error      string
}

// Conn is one established transport connection. Read blocks until the next
// message or a transport error. Implementations must allow concurrent Write.
type Conn interface {
	Read() (protocol.Message, error)
	Write(protocol.Message) error
	Close() error
}

// Dialer opens a transport connection for the given room and client.
type Dialer func(ctx context.Context, serverURL string, roomName domain.RoomName, clientID domain.ClientID) (Conn, error)

type Options struct {
	AutoConnect bool
	Dialer      Dialer
	// Bus enables the cross-tab broadcast relay. Nil leaves it off.
	Bus *relay.Bus
}

// Provider drives the connection state machine for one document replica.
type Provider struct {
	serverURL string
	roomName  domain.RoomName
	doc       crdt.Doc
	awareness *crdt.Awareness
	dial      Dialer

	// origin tag for everything this provider applies on behalf of the
	// server connection; compared against in the local update handlers to
	// break echo loops
	connOrigin crdt.Origin

	mu      sync.Mutex
	state   State
	conn    Conn
	connGen int
	pending map[uint32]struct{}
	nextAck uint32
	// at least one update/diff round trip completed since the last connect
	gotRemote bool

	stateBus *events.Bus[State]
	dataBus  *events.Bus[protocol.ClientData]

	docSub *events.Subscription
	awSub  *events.Subscription
	relay  *relay.Channel
}

func New(serverURL string, roomName domain.RoomName, doc crdt.Doc, awareness *crdt.Awareness, opts Options) *Provider {
	dial := opts.Dialer
	if dial == nil {
		dial = WebsocketDialer()
	}
	p := &Provider{
		serverURL:  serverURL,
		roomName:   roomName,
		doc:        doc,
		awareness:  awareness,
		dial:       dial,
		connOrigin: crdt.Remote("provider:" + uuid.NewString()),
		pending:    make(map[uint32]struct{}),
		stateBus:   events.NewBus[State](),
		dataBus:    events.NewBus[protocol.ClientData](),
	}
	p.docSub = doc.OnUpdate(p.handleLocalUpdate)
	p.awSub = awareness.OnChange(p.handleLocalAwareness)
	if opts.Bus != nil {
		p.relay = opts.Bus.Join(relay.ChannelName(serverURL, string(roomName)), p.handleRelayMessage)
		p.announceToRelay()
	}
	if opts.AutoConnect {
		p.mu.Lock()
		p.state.Connecting = true
		gen := p.connGen
		p.mu.Unlock()
		go p.dialAndRun(gen)
	}
	return p
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnStateChange subscribes to state transitions. Cancel the subscription on
// teardown.
func (p *Provider) OnStateChange(h events.Handler[State]) *events.Subscription {
	return p.stateBus.Subscribe(h)
}

// OnData subscribes to the server's per-client data:update payloads.
func (p *Provider) OnData(h events.Handler[protocol.ClientData]) *events.Subscription {
	return p.dataBus.Subscribe(h)
}

// Connect opens the transport. A no-op while already connecting or
// connected, so a second transport connection is never opened.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.state.Connecting || p.state.Connected {
		p.mu.Unlock()
		return
	}
	p.state = State{Connecting: true}
	gen := p.connGen
	p.mu.Unlock()
	p.stateBus.Publish(State{Connecting: true})
	go p.dialAndRun(gen)
}

func (p *Provider) dialAndRun(gen int) {
	conn, err := p.dial(context.Background(), p.serverURL, p.roomName, p.doc.ClientID())

	p.mu.Lock()
	if p.connGen != gen {
		p.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		p.state = State{Error: err.Error()}
		st := p.state
		p.mu.Unlock()
		p.stateBus.Publish(st)
		return
	}
	p.conn = conn
	p.gotRemote = false
	p.state = State{Connected: true}
	st := p.state
	p.mu.Unlock()
	p.stateBus.Publish(st)

	// On open: offer our state vector so the server can push what we miss,
	// and announce the local presence if one is set.
	p.write(protocol.Message{Type: protocol.DocDiff, Payload: p.doc.StateVector()})
	p.sendLocalAwareness()

	p.readLoop(conn, gen)
}

func (p *Provider) readLoop(conn Conn, gen int) {
	for {
		msg, err := conn.Read()
		if err != nil {
			p.handleDisconnect(gen, err.Error())
			return
		}
		p.dispatch(msg)
	}
}

func (p *Provider) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.DocDiff:
		// The peer offered its state vector; push back what it is missing.
		diff, err := p.doc.DiffSince(msg.Payload)
		if err == nil && len(diff) > 0 {
			p.write(protocol.Message{Type: protocol.DocUpdate, Payload: diff})
		}
		p.markRoundTrip()
	case protocol.DocUpdate:
		_ = p.doc.Apply(msg.Payload, p.connOrigin)
		p.markRoundTrip()
	case protocol.AwarenessUpdate:
		_ = p.awareness.Apply(msg.Payload, p.connOrigin)
	case protocol.DataUpdate:
		if data, err := protocol.DecodeClientData(msg.Payload); err == nil {
			p.dataBus.Publish(data)
		}
	case protocol.Ack:
		p.mu.Lock()
		delete(p.pending, msg.AckID)
		p.gotRemote = true
		changed := p.recomputeSynced()
		st := p.state
		p.mu.Unlock()
		if changed {
			p.stateBus.Publish(st)
		}
	}
}

// markRoundTrip records that the server answered since this connect; synced
// holds once that happened and no local update awaits its ack.
func (p *Provider) markRoundTrip() {
	p.mu.Lock()
	p.gotRemote = true
	changed := p.recomputeSynced()
	st := p.state
	p.mu.Unlock()
	if changed {
		p.stateBus.Publish(st)
	}
}

// recomputeSynced must run under p.mu. Reports whether the state changed.
func (p *Provider) recomputeSynced() bool {
	synced := p.state.Connected && p.gotRemote && len(p.pending) == 0
	if synced == p.state.Synced {
		return false
	}
	p.state.Synced = synced
	return true
}

// handleLocalUpdate fans a document mutation out to the network and the
// relay, skipping the path the mutation arrived from.
func (p *Provider) handleLocalUpdate(u crdt.Update) {
	if u.Origin == p.connOrigin {
		// arrived from the server; the relay still needs it
		if p.relay != nil {
			p.relay.Publish(protocol.Message{Type: protocol.DocUpdate, Payload: u.Data})
		}
		return
	}
	if p.relay != nil && u.Origin != crdt.Relay {
		p.relay.Publish(protocol.Message{Type: protocol.DocUpdate, Payload: u.Data})
	}

	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return
	}
	p.nextAck++
	ackID := p.nextAck
	p.pending[ackID] = struct{}{}
	changed := p.recomputeSynced()
	st := p.state
	p.mu.Unlock()
	if changed {
		p.stateBus.Publish(st)
	}
	_ = conn.Write(protocol.Message{Type: protocol.DocUpdate, Payload: u.Data, AckID: ackID})
}

// handleLocalAwareness re-encodes changed client ids and sends them best
// effort: awareness is ephemeral, loss is repaired by the next change.
func (p *Provider) handleLocalAwareness(c crdt.AwarenessChange) {
	if c.Origin == p.connOrigin {
		if p.relay != nil {
			p.publishAwareness(p.relay, c, 0)
		}
		return
	}
	if p.relay != nil && c.Origin != crdt.Relay {
		p.publishAwareness(p.relay, c, 0)
	}
	changed := append(append(append([]domain.ClientID{}, c.Added...), c.Updated...), c.Removed...)
	payload, err := p.awareness.Encode(changed)
	if err != nil {
		return
	}
	p.write(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload})
}

func (p *Provider) publishAwareness(ch *relay.Channel, c crdt.AwarenessChange, target domain.ClientID) {
	changed := append(append(append([]domain.ClientID{}, c.Added...), c.Updated...), c.Removed...)
	payload, err := p.awareness.Encode(changed)
	if err != nil {
		return
	}
	ch.Publish(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload, Client: target})
}

// handleDisconnect resets the machine after the transport died. Peers'
// awareness entries are withdrawn locally; our own is kept for the next
// connect.
func (p *Provider) handleDisconnect(gen int, reason string) {
	p.mu.Lock()
	if p.connGen != gen {
		p.mu.Unlock()
		return
	}
	p.connGen++
	conn := p.conn
	p.conn = nil
	p.pending = make(map[uint32]struct{})
	p.gotRemote = false
	p.state = State{Error: reason}
	st := p.state
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	p.stateBus.Publish(st)
	p.dropPeerAwareness()
}

func (p *Provider) dropPeerAwareness() {
	local := p.awareness.LocalID()
	var others []domain.ClientID
	for _, id := range p.awareness.Clients() {
		if id != local {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		p.awareness.RemoveClients(others, p.connOrigin)
	}
}

// CloseRoom asks the server to tear the whole room down. The server honors
// it only when this provider's user owns the room; every other member is
// force-disconnected.
func (p *Provider) CloseRoom() {
	p.write(protocol.Message{Type: protocol.RoomClose})
}

// Disconnect closes the transport explicitly. Document and awareness data
// survive; reconnection is the caller's move.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.connGen++
	conn := p.conn
	p.conn = nil
	p.pending = make(map[uint32]struct{})
	p.gotRemote = false
	p.state = State{}
	st := p.state
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	p.stateBus.Publish(st)
	p.dropPeerAwareness()
}

// Destroy disconnects and detaches every handler so nothing references the
// provider afterwards.
func (p *Provider) Destroy() {
	p.Disconnect()
	p.docSub.Cancel()
	p.awSub.Cancel()
	if p.relay != nil {
		p.relay.Close()
	}
}

func (p *Provider) write(msg protocol.Message) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Write(msg)
}

func (p *Provider) sendLocalAwareness() {
	local := p.awareness.LocalID()
	if p.awareness.State(local) == nil {
		return
	}
	payload, err := p.awareness.Encode([]domain.ClientID{local})
	if err != nil {
		return
	}
	p.write(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload})
}

// announceToRelay runs the activation handshake: advertise our vector, push
// our full state, ask peer tabs for their presence, and share ours.
func (p *Provider) announceToRelay() {
	myID := p.doc.ClientID()
	p.relay.Publish(protocol.Message{Type: protocol.DocDiff, Payload: p.doc.StateVector(), Client: myID})
	if full, err := p.doc.DiffSince(nil); err == nil && len(full) > 0 {
		p.relay.Publish(protocol.Message{Type: protocol.DocUpdate, Payload: full})
	}
	p.relay.Publish(protocol.Message{Type: protocol.AwarenessQuery, Client: myID})
	if p.awareness.State(p.awareness.LocalID()) != nil {
		if payload, err := p.awareness.Encode([]domain.ClientID{p.awareness.LocalID()}); err == nil {
			p.relay.Publish(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload})
		}
	}
}

// handleRelayMessage mirrors the wire protocol across tabs. Messages tagged
// for another tab are ignored.
func (p *Provider) handleRelayMessage(m protocol.Message) {
	myID := p.doc.ClientID()
	switch m.Type {
	case protocol.DocDiff:
		// addressed reply: only the requesting tab applies it
		if diff, err := p.doc.DiffSince(m.Payload); err == nil && len(diff) > 0 {
			p.relay.Publish(protocol.Message{Type: protocol.DocUpdate, Payload: diff, Client: m.Client})
		}
	case protocol.DocUpdate:
		if m.Client != 0 && m.Client != myID {
			return
		}
		_ = p.doc.Apply(m.Payload, crdt.Relay)
	case protocol.AwarenessUpdate:
		if m.Client != 0 && m.Client != myID {
			return
		}
		_ = p.awareness.Apply(m.Payload, crdt.Relay)
	case protocol.AwarenessQuery:
		local := p.awareness.LocalID()
		if p.awareness.State(local) == nil {
			return
		}
		if payload, err := p.awareness.Encode([]domain.ClientID{local}); err == nil {
			p.relay.Publish(protocol.Message{Type: protocol.AwarenessUpdate, Payload: payload, Client: m.Client})
		}
	}
}
