package crdt

import "fmt"

// OriginKind tells where a mutation entered the local replica. Update and
// awareness handlers compare origins to suppress echo: a change is never sent
// back on the path it arrived from.
type OriginKind int

const (
	// OriginLocal marks mutations made by the application itself.
	OriginLocal OriginKind = iota
	// OriginRemote marks mutations applied on behalf of a transport
	// connection, identified by that connection's id.
	OriginRemote
	// OriginRelay marks mutations applied from the same-process broadcast
	// relay.
	OriginRelay
)

type Origin struct {
	Kind   OriginKind
	ConnID string
}

var (
	Local = Origin{Kind: OriginLocal}
	Relay = Origin{Kind: OriginRelay}
)

// Remote tags a mutation with the transport connection it arrived on.
func Remote(connID string) Origin {
	return Origin{Kind: OriginRemote, ConnID: connID}
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginRemote:
		return fmt.Sprintf("remote(%s)", o.ConnID)
	case OriginRelay:
		return "relay"
	default:
		return "local"
	}
}
