package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRoomName(t *testing.T) {
	if _, err := ParseRoomName("doc-42"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if _, err := ParseRoomName(""); !errors.Is(err, ErrRoomNameEmpty) {
		t.Errorf("expected ErrRoomNameEmpty, got %v", err)
	}
	if _, err := ParseRoomName(strings.Repeat("x", MaxRoomNameLen+1)); !errors.Is(err, ErrRoomNameTooLong) {
		t.Errorf("expected ErrRoomNameTooLong, got %v", err)
	}
	if _, err := ParseRoomName(strings.Repeat("x", MaxRoomNameLen)); err != nil {
		t.Errorf("name at the limit rejected: %v", err)
	}
}

func TestParseClientID(t *testing.T) {
	id, err := ParseClientID("12345")
	if err != nil || id != 12345 {
		t.Errorf("expected 12345, got %v (%v)", id, err)
	}
	if id.String() != "12345" {
		t.Errorf("round trip mismatch: %q", id.String())
	}
	if _, err := ParseClientID(""); !errors.Is(err, ErrClientIDEmpty) {
		t.Errorf("expected ErrClientIDEmpty, got %v", err)
	}
	if _, err := ParseClientID("-1"); !errors.Is(err, ErrClientIDInvalid) {
		t.Errorf("expected ErrClientIDInvalid for negative, got %v", err)
	}
	if _, err := ParseClientID("abc"); !errors.Is(err, ErrClientIDInvalid) {
		t.Errorf("expected ErrClientIDInvalid, got %v", err)
	}
}
