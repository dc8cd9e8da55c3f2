// Package crdt wraps the conflict-free replicated document behind a small
// interface. The merge algorithm itself is automerge's business; callers only
// see opaque update and state-vector bytes plus origin-tagged events.
package crdt

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/events"
)

const headLen = 32

// Update is an opaque document delta together with where it came from.
type Update struct {
	Data   []byte
	Origin Origin
}

// Doc is the document adapter consumed by rooms, sessions and providers.
//
// StateVector returns a compact summary of the replica's history. DiffSince
// computes the bytes a peer at the given vector is missing. Apply merges a
// remote update; applying the same update twice is a no-op and fires no
// event. OnUpdate subscribes to every effective mutation, local or applied.
type Doc interface {
	ClientID() domain.ClientID
	StateVector() []byte
	DiffSince(vector []byte) ([]byte, error)
	Apply(update []byte, origin Origin) error
	OnUpdate(h events.Handler[Update]) *events.Subscription
}

// AutomergeDoc implements Doc on an automerge replica. Updates on the wire
// are concatenated serialized automerge changes; the state vector is the
// concatenation of the replica's 32-byte change heads.
type AutomergeDoc struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	clientID domain.ClientID
	updates  *events.Bus[Update]
}

func NewDoc() *AutomergeDoc {
	return newDoc(automerge.New())
}

// LoadDoc restores a replica from bytes previously produced by Save.
func LoadDoc(data []byte) (*AutomergeDoc, error) {
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return newDoc(doc), nil
}

func newDoc(doc *automerge.Doc) *AutomergeDoc {
	// 53-bit id, unique per replica lifetime; also keys the awareness store.
	clientID := domain.ClientID(rand.Uint64() & ((1 << 53) - 1))
	_ = doc.SetActorID(fmt.Sprintf("%016x", uint64(clientID)))
	// Reset the incremental cursor so the first SaveIncremental only carries
	// changes made after construction.
	doc.SaveIncremental()
	return &AutomergeDoc{
		doc:      doc,
		clientID: clientID,
		updates:  events.NewBus[Update](),
	}
}

func (d *AutomergeDoc) ClientID() domain.ClientID { return d.clientID }

func (d *AutomergeDoc) OnUpdate(h events.Handler[Update]) *events.Subscription {
	return d.updates.Subscribe(h)
}

func (d *AutomergeDoc) StateVector() []byte {
	d.mu.Lock()
	heads := d.doc.Heads()
	d.mu.Unlock()
	vector := make([]byte, 0, len(heads)*headLen)
	for _, h := range heads {
		vector = append(vector, h[:]...)
	}
	return vector
}

// DiffSince returns the changes a peer at the given state vector is missing.
// If the vector references history this replica has never seen, the full
// document is returned instead; applying it is still safe and idempotent.
func (d *AutomergeDoc) DiffSince(vector []byte) ([]byte, error) {
	if len(vector)%headLen != 0 {
		return nil, fmt.Errorf("state vector length %d is not a multiple of %d", len(vector), headLen)
	}
	heads := make([]automerge.ChangeHash, 0, len(vector)/headLen)
	for i := 0; i+headLen <= len(vector); i += headLen {
		heads = append(heads, automerge.ChangeHash(vector[i:i+headLen]))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return d.doc.Save(), nil
	}
	var diff []byte
	for _, c := range changes {
		diff = append(diff, c.Save()...)
	}
	return diff, nil
}

// Apply merges a peer's update. The update event carries only the changes
// that were actually new, so duplicates neither loop nor echo.
func (d *AutomergeDoc) Apply(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("apply update: %w", err)
	}
	applied := d.doc.SaveIncremental()
	d.mu.Unlock()
	if len(applied) > 0 {
		d.updates.Publish(Update{Data: applied, Origin: origin})
	}
	return nil
}

// Change runs a local mutation against the underlying replica and publishes
// the resulting delta with the local origin.
func (d *AutomergeDoc) Change(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	if err := fn(d.doc); err != nil {
		d.mu.Unlock()
		return err
	}
	if _, err := d.doc.Commit("", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	delta := d.doc.SaveIncremental()
	d.mu.Unlock()
	if len(delta) > 0 {
		d.updates.Publish(Update{Data: delta, Origin: Local})
	}
	return nil
}

// Save serializes the whole replica for persistence.
func (d *AutomergeDoc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// SetText replaces the document's "text" field, a convenience for editors
// that treat the document as one shared string.
func (d *AutomergeDoc) SetText(value string) error {
	return d.Change(func(doc *automerge.Doc) error {
		return doc.Path("text").Set(value)
	})
}

func (d *AutomergeDoc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path("text").Get()
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindStr {
		return "", nil
	}
	return v.Str(), nil
}
