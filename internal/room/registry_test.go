package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
)

func TestEnsureSharesOneRoomAndOneBind(t *testing.T) {
	store := newFakeStore()
	store.bindUnlock = make(chan struct{})
	reg := NewRegistry(store, false)

	const workers = 16
	rooms := make([]*Room, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.Ensure("doc-42")
		}(i)
	}
	wg.Wait()
	close(store.bindUnlock)

	for i := 1; i < workers; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent Ensure returned distinct rooms")
		}
	}
	<-rooms[0].Loaded()
	if binds, _ := store.counts(); binds != 1 {
		t.Errorf("expected a single persistence bind, got %d", binds)
	}
	if err := rooms[0].LoadErr(); err != nil {
		t.Errorf("unexpected load error: %v", err)
	}
}

func TestLoadErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.bindErr = errors.New("backend down")
	reg := NewRegistry(store, false)

	r := reg.Ensure("doc-42")
	<-r.Loaded()
	if r.LoadErr() == nil {
		t.Error("expected the bind failure to surface via LoadErr")
	}
}

func TestClosePersistsAndReloads(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, false)

	r := reg.Ensure("doc-42")
	<-r.Loaded()
	if err := r.Doc().SetText("persist me"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(context.Background(), "doc-42"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, writes := store.counts(); writes != 1 {
		t.Errorf("expected one persistence write, got %d", writes)
	}
	if _, ok := reg.Get("doc-42"); ok {
		t.Fatal("closed room still registered")
	}

	reborn := reg.Ensure("doc-42")
	<-reborn.Loaded()
	if reborn == r {
		t.Fatal("Ensure after Close returned the released room")
	}
	text, err := reborn.Doc().Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "persist me" {
		t.Errorf("expected restored text %q, got %q", "persist me", text)
	}
}

func TestCloseUnknownRoom(t *testing.T) {
	reg := NewRegistry(nil, false)
	err := reg.Close(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestCloseAwaitsInFlightLoad(t *testing.T) {
	store := newFakeStore()
	store.snapshots["doc-42"] = snapshotWithText(t, "from disk")
	store.bindUnlock = make(chan struct{})
	reg := NewRegistry(store, false)

	reg.Ensure("doc-42")
	done := make(chan error, 1)
	go func() { done <- reg.Close(context.Background(), "doc-42") }()

	select {
	case <-done:
		t.Fatal("Close returned before the load settled")
	case <-time.After(20 * time.Millisecond):
	}
	close(store.bindUnlock)
	if err := <-done; err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the write must have seen the loaded state, not an empty replica
	text, err := docFromSnapshot(t, store.snapshots["doc-42"])
	if err != nil {
		t.Fatal(err)
	}
	if text != "from disk" {
		t.Errorf("expected flushed snapshot to carry %q, got %q", "from disk", text)
	}
}

func TestCloseHonorsContext(t *testing.T) {
	store := newFakeStore()
	store.bindUnlock = make(chan struct{})
	defer close(store.bindUnlock)
	reg := NewRegistry(store, false)

	reg.Ensure("doc-42")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := reg.Close(ctx, "doc-42"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	// the room is released regardless
	if _, ok := reg.Get("doc-42"); ok {
		t.Error("room should be deregistered even when the flush is abandoned")
	}
}

func TestAutoDeleteClosesEmptyRoom(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, true)

	r := reg.Ensure("doc-42")
	<-r.Loaded()
	mustJoin(t, r, "conn-a", &fakeConn{}, 1, "alice")
	r.Leave("conn-a")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Get("doc-42"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty room was not auto-deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, writes := store.counts(); writes != 1 {
		t.Errorf("expected the auto-delete to flush once, got %d writes", writes)
	}
}

func TestJoinClosedRoomFails(t *testing.T) {
	reg := NewRegistry(nil, false)
	r := reg.Ensure("doc-42")
	<-r.Loaded()
	if err := reg.Close(context.Background(), "doc-42"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Join("conn-a", &fakeConn{}, 1, "alice"); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestIdleCloseSparesRoomWithMembers(t *testing.T) {
	reg := NewRegistry(nil, true)
	r := reg.Ensure("doc-42")
	<-r.Loaded()
	mustJoin(t, r, "conn-a", &fakeConn{}, 1, "alice")
	if r.closeIfIdle() {
		t.Fatal("idle close claimed a room with a live member")
	}
	if _, err := r.Join("conn-b", &fakeConn{}, 2, "bob"); err != nil {
		t.Fatalf("room with members should keep accepting joins: %v", err)
	}
}

// TestJoinRacingAutoDelete replays the handshake path racing an auto-delete:
// a joiner that resolved the room before the teardown either lands its Join
// first and keeps the room alive, or gets ErrRoomClosed and retries on a
// fresh room. Either way the room it ends up in is registry-tracked and its
// broadcasts are live, never a silently released zombie.
func TestJoinRacingAutoDelete(t *testing.T) {
	reg := NewRegistry(nil, true)
	r := reg.Ensure("doc-42")
	<-r.Loaded()
	mustJoin(t, r, "conn-a", &fakeConn{}, 1, "alice")
	r.Leave("conn-a")

	conn := &fakeConn{}
	joined := reg.Ensure("doc-42")
	for {
		if _, err := joined.Join("conn-b", conn, 2, "bob"); err == nil {
			break
		}
		joined = reg.Ensure("doc-42")
	}

	cur, ok := reg.Get("doc-42")
	if !ok || cur != joined {
		t.Fatal("the joined room is not the one the registry tracks")
	}

	seed := crdt.NewDoc()
	var update []byte
	sub := seed.OnUpdate(func(u crdt.Update) { update = u.Data })
	if err := seed.SetText("alive"); err != nil {
		t.Fatal(err)
	}
	sub.Cancel()
	if err := joined.Doc().Apply(update, crdt.Remote("conn-x")); err != nil {
		t.Fatal(err)
	}
	if len(conn.messages(t)) != 1 {
		t.Fatal("the joined room's broadcasts are dead")
	}
}

func TestEnsureDuringCloseAwaitsFlush(t *testing.T) {
	store := newFakeStore()
	store.writeUnlock = make(chan struct{})
	reg := NewRegistry(store, false)

	r := reg.Ensure("doc-42")
	<-r.Loaded()
	if err := r.Doc().SetText("flushed"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- reg.Close(context.Background(), "doc-42") }()

	// the room is deregistered first, the flush is still in flight
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Get("doc-42"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room was not deregistered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// a reborn room must not bind before the old flush lands
	reborn := reg.Ensure("doc-42")
	select {
	case <-reborn.Loaded():
		t.Fatal("reborn room bound before the previous flush landed")
	case <-time.After(30 * time.Millisecond):
	}

	close(store.writeUnlock)
	if err := <-done; err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-reborn.Loaded()
	text, err := reborn.Doc().Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "flushed" {
		t.Errorf("reborn room missed the flushed snapshot, got %q", text)
	}
}

func TestRoomsListsLiveRooms(t *testing.T) {
	reg := NewRegistry(nil, false)
	reg.Ensure("a")
	reg.Ensure("b")
	names := reg.Rooms()
	if len(names) != 2 {
		t.Errorf("expected 2 rooms, got %v", names)
	}
}

func snapshotWithText(t *testing.T, text string) []byte {
	t.Helper()
	r := newRoom("seed", nil)
	defer r.release()
	if err := r.Doc().SetText(text); err != nil {
		t.Fatal(err)
	}
	return r.Doc().Save()
}

func docFromSnapshot(t *testing.T, snapshot []byte) (string, error) {
	t.Helper()
	r := newRoom("restore", nil)
	defer r.release()
	if err := r.Doc().Apply(snapshot, crdt.Local); err != nil {
		return "", err
	}
	return r.Doc().Text()
}
