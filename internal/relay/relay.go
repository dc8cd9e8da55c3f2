// Package relay is the same-process counterpart of the browser
// BroadcastChannel: providers for the same server and room exchange protocol
// messages directly, with no server round trip. It keeps tabs of one client
// synchronized even while offline.
package relay

import (
	"sync"

	"github.com/TexteaInc/y-socket.io/internal/protocol"
)

// ChannelName derives the channel identity from the server URL and room
// name, so tabs pointed at different servers or rooms never cross-talk.
func ChannelName(serverURL, roomName string) string {
	return serverURL + "/" + roomName
}

// Bus connects channels by name. One bus per process, owned by whoever
// composes the providers; there is no package-level default.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	channels map[string]map[uint64]*Channel
}

func NewBus() *Bus {
	return &Bus{channels: make(map[string]map[uint64]*Channel)}
}

// Join attaches a handler under the given channel name. Messages published
// by other members of the same channel are delivered to the handler on the
// publisher's goroutine.
func (b *Bus) Join(name string, handler func(protocol.Message)) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := &Channel{bus: b, name: name, id: id, handler: handler}
	if b.channels[name] == nil {
		b.channels[name] = make(map[uint64]*Channel)
	}
	b.channels[name][id] = ch
	return ch
}

type Channel struct {
	bus     *Bus
	name    string
	id      uint64
	handler func(protocol.Message)

	once sync.Once
}

// Publish delivers m to every other member of the channel. Handlers run
// synchronously, outside the bus lock, so they may publish in turn.
func (c *Channel) Publish(m protocol.Message) {
	c.bus.mu.Lock()
	peers := make([]*Channel, 0, len(c.bus.channels[c.name]))
	for id, peer := range c.bus.channels[c.name] {
		if id != c.id {
			peers = append(peers, peer)
		}
	}
	c.bus.mu.Unlock()
	for _, peer := range peers {
		peer.handler(m)
	}
}

// Close detaches the handler. Document and awareness state are untouched.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.bus.mu.Lock()
		delete(c.bus.channels[c.name], c.id)
		if len(c.bus.channels[c.name]) == 0 {
			delete(c.bus.channels, c.name)
		}
		c.bus.mu.Unlock()
	})
}
