package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/domain"
)

// RoomEventSender sends signaling events through the client-server API.
// One PUT per event with a fresh transaction ID; no retry — the events are
// advisory and last-write-wins.
type RoomEventSender struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func NewRoomEventSender(baseURL, accessToken string, timeout time.Duration) *RoomEventSender {
	return &RoomEventSender{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *RoomEventSender) SendVoiceEvent(ctx context.Context, room domain.RoomID, eventType string, content any) error {
	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/%s/%s",
		s.baseURL,
		url.PathEscape(string(room)),
		url.PathEscape(eventType),
		uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Str("module", "matrix").
			Str("event_type", eventType).
			Int("status", resp.StatusCode).
			Msg("voice event rejected")
		return fmt.Errorf("send %s: status %d", eventType, resp.StatusCode)
	}
	return nil
}
