package domain

import (
	"errors"
	"strconv"
)

const MaxRoomNameLen = 255

var (
	// ErrRoomNotFound indicates that the requested room was not found.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed indicates a room the registry has already deregistered.
	ErrRoomClosed = errors.New("room closed")

	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrClientIDEmpty   = errors.New("client id empty")
	ErrClientIDInvalid = errors.New("client id is not a decimal number")
)

type RoomName string

// ParseRoomName validates a room name coming from a connection handshake.
func ParseRoomName(raw string) (RoomName, error) {
	if len(raw) == 0 {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

// ClientID identifies one document replica for that replica's lifetime.
// The replica assigns it to itself; it travels as a decimal string in
// handshake parameters and keys the awareness store.
type ClientID uint64

func ParseClientID(raw string) (ClientID, error) {
	if len(raw) == 0 {
		return 0, ErrClientIDEmpty
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, ErrClientIDInvalid
	}
	return ClientID(n), nil
}

func (c ClientID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}
