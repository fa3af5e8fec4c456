package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

// Traversal credentials outlive the media credential on purpose: an ICE
// restart mid-call must not be blocked by a stale TURN password.
const turnTTL = 24 * time.Hour

// TurnDeriver computes TURN REST credentials from a shared secret.
// Username is "expiry:userid", password is base64(HMAC-SHA1(secret, username)).
type TurnDeriver struct {
	secret []byte
	host   string
	now    func() time.Time
}

func NewTurnDeriver(secret, host string) *TurnDeriver {
	return &TurnDeriver{secret: []byte(secret), host: host, now: time.Now}
}

// Derive returns a fresh traversal credential for subject.
func (d *TurnDeriver) Derive(subject domain.UserID) *core.RelayCredential {
	expires := d.now().Add(turnTTL)
	username := fmt.Sprintf("%d:%s", expires.Unix(), subject)

	mac := hmac.New(sha1.New, d.secret)
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return &core.RelayCredential{
		URLs:      []string{fmt.Sprintf("turn:%s:3478", d.host)},
		Username:  username,
		Password:  password,
		ExpiresAt: expires,
	}
}
