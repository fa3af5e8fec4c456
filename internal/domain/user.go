// Package domain contains entity metadata without logic.
package domain

import "errors"

const MaxUserIDLen = 255

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

// UserID is the verified messaging identity, e.g. "@alice:example.org".
type UserID string

func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}
