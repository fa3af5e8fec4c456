package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

// TokenClient is the client-side core.CredentialIssuer: it asks a sidecar
// replica to mint the credential. The session never sees the signing secret.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

func NewTokenClient(baseURL string, timeout time.Duration) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type wireTokenRequest struct {
	RoomID string `json:"room_id"`
}

type wireTurnServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type wireTokenResponse struct {
	RelayURL    string           `json:"relay_url"`
	MediaToken  string           `json:"media_token"`
	ExpiresAt   int64            `json:"expires_at"`
	TurnServers []wireTurnServer `json:"turn_servers"`
}

func (t *TokenClient) IssueMediaCredential(ctx context.Context, bearerToken string, room domain.RoomID) (*core.TokenGrant, error) {
	body, err := json.Marshal(wireTokenRequest{RoomID: string(room)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/_spoke/v1/voice/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusBadRequest:
		return nil, ErrInvalidRequest
	default:
		return nil, ErrUpstreamUnavailable
	}

	var wire wireTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: bad token response", ErrUpstreamUnavailable)
	}
	return grantFromWire(&wire, room)
}

// grantFromWire rebuilds the credential view from the signed token. The
// client cannot verify the signature (it never holds the secret); it only
// reads the claims it needs to drive the session.
func grantFromWire(wire *wireTokenResponse, room domain.RoomID) (*core.TokenGrant, error) {
	var claims grantClaims
	if _, _, err := jwt.NewParser().ParseUnverified(wire.MediaToken, &claims); err != nil {
		return nil, fmt.Errorf("%w: unparsable media token", ErrUpstreamUnavailable)
	}

	media := core.MediaCredential{
		Subject:      domain.UserID(claims.Subject),
		Room:         room,
		CanPublish:   claims.Video.CanPublish,
		CanSubscribe: claims.Video.CanSubscribe,
		Token:        wire.MediaToken,
	}
	if claims.IssuedAt != nil {
		media.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		media.ExpiresAt = claims.ExpiresAt.Time
	}

	grant := &core.TokenGrant{RelayURL: wire.RelayURL, Media: media}
	if len(wire.TurnServers) > 0 {
		relay := &core.RelayCredential{
			Username: wire.TurnServers[0].Username,
			Password: wire.TurnServers[0].Credential,
		}
		for _, s := range wire.TurnServers {
			relay.URLs = append(relay.URLs, s.URLs)
		}
		grant.Relay = relay
	}
	return grant, nil
}
