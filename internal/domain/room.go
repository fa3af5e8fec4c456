package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 255

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrRoomIDInvalid = errors.New("room id invalid")
)

// RoomID is a messaging-protocol room identifier, e.g. "!abc123:example.org".
type RoomID string

// ParseRoomID validates the "!localpart:server" shape without resolving anything.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	if !strings.HasPrefix(raw, "!") {
		return "", ErrRoomIDInvalid
	}
	local, server, ok := strings.Cut(raw[1:], ":")
	if !ok || local == "" || server == "" {
		return "", ErrRoomIDInvalid
	}
	return RoomID(raw), nil
}
