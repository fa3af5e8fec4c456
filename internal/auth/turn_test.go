package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnDerive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewTurnDeriver("turnsecret", "turn.example.org")
	d.now = func() time.Time { return now }

	cred := d.Derive("@alice:example.org")

	wantExpiry := now.Add(24 * time.Hour)
	assert.Equal(t, wantExpiry, cred.ExpiresAt)
	assert.Equal(t, fmt.Sprintf("%d:@alice:example.org", wantExpiry.Unix()), cred.Username)
	require.Equal(t, []string{"turn:turn.example.org:3478"}, cred.URLs)

	// Standard TURN REST check: password = base64(HMAC-SHA1(secret, username)).
	mac := hmac.New(sha1.New, []byte("turnsecret"))
	mac.Write([]byte(cred.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), cred.Password)
}
