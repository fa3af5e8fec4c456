// Package matrix holds the thin clients for the messaging server: identity
// introspection and the voice signaling events carried over room events.
// The full messaging client (sync loop, membership, history) lives elsewhere;
// only the voice-facing surface is here.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/domain"
)

// Introspector resolves a bearer token to a verified user ID via the
// homeserver's whoami endpoint. Implements auth.IdentityVerifier.
type Introspector struct {
	baseURL string
	client  *http.Client
}

func NewIntrospector(baseURL string, timeout time.Duration) *Introspector {
	return &Introspector{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (i *Introspector) Whoami(ctx context.Context, bearerToken string) (domain.UserID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		i.baseURL+"/_matrix/client/v3/account/whoami", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", auth.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := i.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "matrix").Msg("whoami request failed")
		return "", fmt.Errorf("%w: %w", auth.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return "", auth.ErrUpstreamUnavailable
	default:
		return "", auth.ErrUnauthorized
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Upstream internals stay out of the error we surface.
		return "", auth.ErrUnauthorized
	}
	uid, err := domain.ParseUserID(body.UserID)
	if err != nil {
		return "", auth.ErrUnauthorized
	}
	return uid, nil
}
