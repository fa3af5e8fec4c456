package sidecar

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

type tokenRequest struct {
	RoomID string `json:"room_id" binding:"required,roomid"`
}

type turnServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type tokenResponse struct {
	RelayURL    string       `json:"relay_url"`
	MediaToken  string       `json:"media_token"`
	ExpiresAt   int64        `json:"expires_at"`
	TurnServers []turnServer `json:"turn_servers,omitempty"`
}

type tokenHandler struct {
	issuer core.CredentialIssuer
}

// handle is the one operation of the authorization service: bearer token in,
// room-scoped media credential out. Upstream error bodies never pass through;
// everything is mapped onto the four error kinds.
func (h *tokenHandler) handle(c *gin.Context) {
	bearer := bearerToken(c.GetHeader("Authorization"))
	if bearer == "" {
		tokensDenied.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		tokensDenied.WithLabelValues("invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid room_id"})
		return
	}

	grant, err := h.issuer.IssueMediaCredential(c.Request.Context(), bearer, domain.RoomID(req.RoomID))
	if err != nil {
		status, reason := mapIssueError(err)
		tokensDenied.WithLabelValues(reason).Inc()
		c.JSON(status, gin.H{"error": reason})
		return
	}

	resp := tokenResponse{
		RelayURL:   grant.RelayURL,
		MediaToken: grant.Media.Token,
		ExpiresAt:  grant.Media.ExpiresAt.Unix(),
	}
	if grant.Relay != nil {
		for _, u := range grant.Relay.URLs {
			resp.TurnServers = append(resp.TurnServers, turnServer{
				URLs:       u,
				Username:   grant.Relay.Username,
				Credential: grant.Relay.Password,
			})
		}
	}

	tokensIssued.Inc()
	c.JSON(http.StatusOK, resp)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func mapIssueError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		log.Error().Err(err).Str("module", "sidecar").Msg("token issue failed")
		return http.StatusInternalServerError, "internal"
	}
}
