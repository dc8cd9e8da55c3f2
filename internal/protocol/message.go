// Package protocol defines the wire messages exchanged between providers,
// the relay server and the cross-tab broadcast relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TexteaInc/y-socket.io/internal/domain"
)

type Type string

const (
	// DocDiff carries an encoded state vector; the receiver answers with the
	// byte diff relative to it.
	DocDiff Type = "doc:diff"
	// DocUpdate carries an encoded document update. Client-to-server forms
	// may carry an ack number the server echoes back after apply.
	DocUpdate Type = "doc:update"
	// AwarenessUpdate carries an encoded awareness delta, best effort.
	AwarenessUpdate Type = "awareness:update"
	// AwarenessQuery asks peer tabs on the broadcast relay to re-announce
	// their awareness state. Never sent over the network transport.
	AwarenessQuery Type = "awareness:query"
	// RoomClose asks the server to tear the room down; honored only when the
	// sender owns the room.
	RoomClose Type = "room:close"
	// DataUpdate is the server-to-client greeting with per-client data.
	DataUpdate Type = "data:update"
	// Ack confirms a DocUpdate identified by its ack number.
	Ack Type = "ack"
)

var ErrUnknownType = errors.New("unknown message type")

// Message is the wire envelope. Payload bytes are opaque to the envelope;
// their meaning follows from Type.
type Message struct {
	Type    Type   `json:"type"`
	Payload []byte `json:"payload,omitempty"`
	// AckID correlates a DocUpdate with its Ack. Zero means no ack requested.
	AckID uint32 `json:"ack,omitempty"`
	// Client tags broadcast-relay messages with a client id. For DocUpdate
	// and AwarenessUpdate it addresses the tab that should act (zero means
	// every tab); for DocDiff and AwarenessQuery it identifies the requesting
	// tab, so responses can be addressed back. Never set on the network wire.
	Client domain.ClientID `json:"clientId,omitempty"`
}

// ClientData is the DataUpdate payload.
type ClientData struct {
	UserID  domain.UserID `json:"userId"`
	IsOwner bool          `json:"isOwner"`
}

func EncodeClientData(d ClientData) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode client data: %w", err)
	}
	return data, nil
}

func DecodeClientData(payload []byte) (ClientData, error) {
	var d ClientData
	if err := json.Unmarshal(payload, &d); err != nil {
		return ClientData{}, fmt.Errorf("decode client data: %w", err)
	}
	return d, nil
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses and validates one envelope. Messages that parse but make no
// sense for their type are rejected here, before any room state is touched.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case DocDiff:
		// An empty payload is a valid state vector: a replica with no history.
	case DocUpdate:
		if len(m.Payload) == 0 {
			return Message{}, errors.New("doc:update without payload")
		}
	case AwarenessUpdate:
		if len(m.Payload) == 0 {
			return Message{}, errors.New("awareness:update without payload")
		}
	case AwarenessQuery, RoomClose, DataUpdate, Ack:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}
