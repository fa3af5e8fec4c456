// Package relay implements the client side of the media relay: websocket
// signaling plus a WebRTC peer connection carrying one published local audio
// track and any number of subscribed remote tracks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

var ErrRelayRejected = errors.New("relay rejected join")

// Dialer implements core.RelayDialer over websocket + WebRTC.
type Dialer struct{}

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Dial(_ context.Context, grant *core.TokenGrant, room domain.RoomID) (core.RelayConnection, error) {
	if grant == nil || grant.Media.Token == "" {
		return nil, errors.New("relay dial: empty grant")
	}
	return &Connection{
		grant:       grant,
		room:        room,
		joinedCh:    make(chan *envelope, 1),
		answerCh:    make(chan string, 1),
		rejectCh:    make(chan string, 1),
		connectedCh: make(chan struct{}),
	}, nil
}

// Connection is one room-scoped relay connection. Callbacks must be set
// before Connect and are invoked from transport goroutines.
type Connection struct {
	grant *core.TokenGrant
	room  domain.RoomID

	sig   *signalConn
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP

	joinedCh    chan *envelope
	answerCh    chan string
	rejectCh    chan string
	connectedCh chan struct{}
	connectOnce sync.Once

	pcMu sync.Mutex // guards pc during trickle-candidate races

	onPartJoined  func(domain.Participant)
	onPartLeft    func(domain.UserID)
	onRemoteTrack func(domain.UserID, <-chan core.PCM)
	onClosed      func(error)

	cancelReaders context.CancelFunc

	closeMu     sync.Mutex
	closedLocal bool
	failedOnce  sync.Once
}

func (c *Connection) OnParticipantJoined(fn func(domain.Participant)) { c.onPartJoined = fn }
func (c *Connection) OnParticipantLeft(fn func(domain.UserID))        { c.onPartLeft = fn }
func (c *Connection) OnRemoteTrack(fn func(domain.UserID, <-chan core.PCM)) {
	c.onRemoteTrack = fn
}
func (c *Connection) OnClosed(fn func(error)) { c.onClosed = fn }

// Connect runs the join handshake: signaling attach, credential-bearing join,
// publish negotiation, then waits for the transport to reach connected. Any
// failure leaves the connection fully closed.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Connection) connect(ctx context.Context) error {
	sig, err := dialSignal(ctx, signalURL(c.grant.RelayURL), c.handleMessage, c.signalClosed)
	if err != nil {
		return fmt.Errorf("relay signaling dial: %w", err)
	}
	c.sig = sig

	// The credential is scoped to the relay room name derived from the
	// messaging room ID; the relay rejects mismatches.
	join := &envelope{
		Type:  msgJoin,
		Room:  auth.RelayRoomName(c.room),
		Token: c.grant.Media.Token,
	}
	if err := c.sig.sendJSON(join); err != nil {
		return fmt.Errorf("relay join send: %w", err)
	}

	var roster []participantInfo
	select {
	case env := <-c.joinedCh:
		roster = env.Participants
	case reason := <-c.rejectCh:
		return fmt.Errorf("%w: %s", ErrRelayRejected, reason)
	case <-ctx.Done():
		return fmt.Errorf("relay join: %w", ctx.Err())
	}

	if err := c.negotiate(ctx); err != nil {
		return err
	}

	select {
	case <-c.connectedCh:
	case reason := <-c.rejectCh:
		return fmt.Errorf("%w: %s", ErrRelayRejected, reason)
	case <-ctx.Done():
		return fmt.Errorf("relay connect: %w", ctx.Err())
	}

	// Roster delivery after the media path is up, so the caller observes
	// participants only on a live connection.
	if c.onPartJoined != nil {
		for _, p := range roster {
			part := domain.NewParticipant(domain.UserID(p.ID), p.Name)
			part.Muted = p.Muted
			c.onPartJoined(part)
		}
	}
	return nil
}

func (c *Connection) negotiate(ctx context.Context) error {
	readerCtx, cancel := context.WithCancel(context.Background())
	c.cancelReaders = cancel

	pc, err := newPeerConnection(webrtcConfig(c.grant.Relay))
	if err != nil {
		return fmt.Errorf("relay peer connection: %w", err)
	}
	c.pcMu.Lock()
	c.pc = pc
	c.pcMu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(l16Capability(), "microphone", string(c.grant.Media.Subject))
	if err != nil {
		return fmt.Errorf("relay local track: %w", err)
	}
	c.track = track
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("relay add track: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := c.sig.sendJSON(candidateToEnvelope(cand.ToJSON())); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("candidate send")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		id := domain.UserID(track.StreamID())
		log.Info().
			Str("module", "relay").
			Str("participant", string(id)).
			Str("track_id", track.ID()).
			Msg("remote track subscribed")
		if c.onRemoteTrack != nil {
			c.onRemoteTrack(id, readTrack(readerCtx, track))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logPeerState(s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.connectOnce.Do(func() { close(c.connectedCh) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fireClosed(fmt.Errorf("relay transport %s", s))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("relay create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("relay set local description: %w", err)
	}
	if err := c.sig.sendJSON(&envelope{Type: msgOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("relay offer send: %w", err)
	}

	var answerSDP string
	select {
	case answerSDP = <-c.answerCh:
	case reason := <-c.rejectCh:
		return fmt.Errorf("%w: %s", ErrRelayRejected, reason)
	case <-ctx.Done():
		return fmt.Errorf("relay answer: %w", ctx.Err())
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("relay set remote description: %w", err)
	}
	return nil
}

// Publish drains capture frames into the published track until the channel
// closes. Write errors end publishing but not the connection: the transport
// state callback decides whether the connection is actually dead.
func (c *Connection) Publish(frames <-chan core.PCM) {
	pub := newPublisher(c.track)
	go func() {
		for f := range frames {
			if err := pub.writeFrame(f); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("publish write")
				return
			}
		}
	}()
}

func (c *Connection) handleMessage(env *envelope) {
	switch env.Type {
	case msgJoined:
		select {
		case c.joinedCh <- env:
		default:
		}
	case msgAnswer:
		select {
		case c.answerCh <- env.SDP:
		default:
		}
	case msgCandidate:
		c.pcMu.Lock()
		pc := c.pc
		c.pcMu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.AddICECandidate(candidateFromEnvelope(env)); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("add ice candidate")
		}
	case msgPartJoined:
		if c.onPartJoined != nil {
			c.onPartJoined(domain.NewParticipant(domain.UserID(env.ID), env.Name))
		}
	case msgPartLeft:
		if c.onPartLeft != nil {
			c.onPartLeft(domain.UserID(env.ID))
		}
	case msgError:
		select {
		case c.rejectCh <- env.Error:
		default:
		}
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown envelope")
	}
}

func (c *Connection) signalClosed(err error) {
	c.fireClosed(err)
}

// fireClosed reports an unexpected death exactly once, then releases
// resources. A local Close suppresses the callback.
func (c *Connection) fireClosed(err error) {
	c.closeMu.Lock()
	local := c.closedLocal
	c.closeMu.Unlock()
	c.failedOnce.Do(func() {
		c.release()
		if !local && c.onClosed != nil {
			c.onClosed(err)
		}
	})
}

// Close tears the connection down deliberately; OnClosed does not fire.
func (c *Connection) Close() {
	c.closeMu.Lock()
	c.closedLocal = true
	c.closeMu.Unlock()
	c.failedOnce.Do(func() {})
	c.release()
}

func (c *Connection) release() {
	if c.cancelReaders != nil {
		c.cancelReaders()
	}
	if c.sig != nil {
		c.sig.close()
	}
	c.pcMu.Lock()
	pc := c.pc
	c.pc = nil
	c.pcMu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("peer close")
		}
	}
}

// signalURL maps the relay base URL onto its signaling endpoint.
func signalURL(base string) string {
	return strings.TrimRight(base, "/") + "/api/ws/signal"
}
