package relay

import (
	"testing"

	"github.com/TexteaInc/y-socket.io/internal/protocol"
)

func TestChannelName(t *testing.T) {
	if got := ChannelName("ws://localhost:1234", "doc-42"); got != "ws://localhost:1234/doc-42" {
		t.Errorf("unexpected channel name %q", got)
	}
}

func TestPublishSkipsSelfAndOtherChannels(t *testing.T) {
	bus := NewBus()
	var self, peer, other int
	a := bus.Join("srv/room", func(protocol.Message) { self++ })
	bus.Join("srv/room", func(protocol.Message) { peer++ })
	bus.Join("srv/other", func(protocol.Message) { other++ })

	a.Publish(protocol.Message{Type: protocol.AwarenessQuery})

	if self != 0 {
		t.Error("publisher must not hear its own message")
	}
	if peer != 1 {
		t.Errorf("expected peer to receive 1 message, got %d", peer)
	}
	if other != 0 {
		t.Error("message leaked across channels")
	}
}

func TestCloseDetaches(t *testing.T) {
	bus := NewBus()
	var got int
	a := bus.Join("c", func(protocol.Message) {})
	b := bus.Join("c", func(protocol.Message) { got++ })

	b.Close()
	b.Close() // second close is a no-op
	a.Publish(protocol.Message{Type: protocol.AwarenessQuery})

	if got != 0 {
		t.Errorf("closed channel still received %d messages", got)
	}
}

func TestHandlerMayPublishBack(t *testing.T) {
	bus := NewBus()
	var got []protocol.Type
	a := bus.Join("c", func(m protocol.Message) { got = append(got, m.Type) })
	var b *Channel
	b = bus.Join("c", func(m protocol.Message) {
		if m.Type == protocol.AwarenessQuery {
			b.Publish(protocol.Message{Type: protocol.AwarenessUpdate, Payload: []byte(`{}`)})
		}
	})

	a.Publish(protocol.Message{Type: protocol.AwarenessQuery})

	if len(got) != 1 || got[0] != protocol.AwarenessUpdate {
		t.Errorf("expected the reply back on the querying channel, got %v", got)
	}
}
