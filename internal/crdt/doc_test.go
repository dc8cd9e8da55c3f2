package crdt

import (
	"bytes"
	"testing"
)

func TestClientIDAssigned(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	if a.ClientID() == b.ClientID() {
		t.Error("two replicas should not share a client id")
	}
}

func TestUpdateEventOnLocalChange(t *testing.T) {
	doc := NewDoc()

	var got []Update
	sub := doc.OnUpdate(func(u Update) { got = append(got, u) })
	defer sub.Cancel()

	if err := doc.SetText("hello"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 update event, got %d", len(got))
	}
	if got[0].Origin != Local {
		t.Errorf("expected local origin, got %v", got[0].Origin)
	}
	if len(got[0].Data) == 0 {
		t.Error("update payload should not be empty")
	}
}

func TestApplyConvergesAndIsIdempotent(t *testing.T) {
	a := NewDoc()
	b := NewDoc()

	var updates [][]byte
	sub := a.OnUpdate(func(u Update) { updates = append(updates, u.Data) })
	defer sub.Cancel()

	if err := a.SetText("hello"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}

	var applied int
	bSub := b.OnUpdate(func(Update) { applied++ })
	defer bSub.Cancel()

	origin := Remote("conn-1")
	if err := b.Apply(updates[0], origin); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// same update again must be a no-op and fire no event
	if err := b.Apply(updates[0], origin); err != nil {
		t.Fatalf("Apply duplicate: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 applied event, got %d", applied)
	}

	text, err := b.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected %q, got %q", "hello", text)
	}
}

func TestDiffSinceRoundTrip(t *testing.T) {
	a := NewDoc()
	b := NewDoc()

	if err := a.SetText("shared"); err != nil {
		t.Fatalf("SetText: %v", err)
	}

	// b offers its (empty) state vector, a answers with everything missing
	diff, err := a.DiffSince(b.StateVector())
	if err != nil {
		t.Fatalf("DiffSince: %v", err)
	}
	if len(diff) == 0 {
		t.Fatal("diff should not be empty")
	}
	if err := b.Apply(diff, Remote("conn-1")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	text, err := b.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "shared" {
		t.Errorf("expected %q, got %q", "shared", text)
	}

	// once caught up, the diff against b's vector is empty
	diff, err = a.DiffSince(b.StateVector())
	if err != nil {
		t.Fatalf("DiffSince after sync: %v", err)
	}
	if len(diff) != 0 {
		t.Errorf("expected empty diff after sync, got %d bytes", len(diff))
	}
}

func TestDiffSinceRejectsBadVector(t *testing.T) {
	doc := NewDoc()
	if _, err := doc.DiffSince([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for a truncated state vector")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := NewDoc()
	if err := a.SetText("persisted"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	saved := a.Save()
	if len(saved) == 0 {
		t.Fatal("Save should not be empty")
	}

	b, err := LoadDoc(saved)
	if err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	text, err := b.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "persisted" {
		t.Errorf("expected %q, got %q", "persisted", text)
	}
	if !bytes.Equal(a.StateVector(), b.StateVector()) {
		t.Error("restored replica should report the same state vector")
	}
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	a := NewDoc()
	b := NewDoc()

	var fromA [][]byte
	subA := a.OnUpdate(func(u Update) { fromA = append(fromA, u.Data) })
	defer subA.Cancel()
	var fromB [][]byte
	subB := b.OnUpdate(func(u Update) {
		if u.Origin == Local {
			fromB = append(fromB, u.Data)
		}
	})
	defer subB.Cancel()

	if err := a.SetText("from-a"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetText("from-b"); err != nil {
		t.Fatal(err)
	}

	c := NewDoc()
	d := NewDoc()
	// c sees a then b, with a duplicate; d sees b then a
	for _, u := range [][]byte{fromA[0], fromB[0], fromA[0]} {
		if err := c.Apply(u, Remote("x")); err != nil {
			t.Fatalf("apply to c: %v", err)
		}
	}
	for _, u := range [][]byte{fromB[0], fromA[0]} {
		if err := d.Apply(u, Remote("y")); err != nil {
			t.Fatalf("apply to d: %v", err)
		}
	}

	ct, err := c.Text()
	if err != nil {
		t.Fatal(err)
	}
	dt, err := d.Text()
	if err != nil {
		t.Fatal(err)
	}
	if ct != dt {
		t.Errorf("replicas diverged: %q vs %q", ct, dt)
	}
}
