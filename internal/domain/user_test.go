package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseUserID(t *testing.T) {
	if _, err := ParseUserID("alice"); err != nil {
		t.Errorf("valid user id rejected: %v", err)
	}
	if _, err := ParseUserID(""); !errors.Is(err, ErrUserIDEmpty) {
		t.Errorf("expected ErrUserIDEmpty, got %v", err)
	}
	if _, err := ParseUserID(strings.Repeat("u", MaxUserIDLen+1)); !errors.Is(err, ErrUserIDTooLong) {
		t.Errorf("expected ErrUserIDTooLong, got %v", err)
	}
}
