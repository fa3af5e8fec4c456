// Package voice holds the session state machine: the part of the client that
// turns a "join voice" intent into a live, authorized, bidirectional audio
// stream and keeps it consistent under concurrent, partially-ordered events.
package voice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/audio"
	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
	"github.com/spoke-chat/spoke/internal/matrix"
)

const (
	inboxDepth  = 64
	emitTimeout = 2 * time.Second
)

// DeviceOpener acquires the audio devices at join time, so a device-open
// failure fails the join attempt instead of the process.
type DeviceOpener interface {
	OpenCapture() (core.CaptureDevice, error)
	OpenPlayback() (core.PlaybackDevice, error)
}

// Deps are the session's collaborators. All calls that can block are bounded
// by the configured timeouts.
type Deps struct {
	Issuer  core.CredentialIssuer
	Dialer  core.RelayDialer
	Devices DeviceOpener
	Events  matrix.EventSender
	// Notify receives an immutable snapshot after every transition. Must
	// not block; the bridge's latest-state slot satisfies that.
	Notify func(Snapshot)

	JoinTimeout      time.Duration
	LeaveTimeout     time.Duration
	DeviceRetryLimit int
}

// Session is the single voice session state machine. All transitions run on
// the Run goroutine, one at a time, against an ordered inbox: an event
// arriving during an in-flight transition is applied once it settles.
type Session struct {
	deps  Deps
	fsm   *fsm.FSM
	inbox chan any

	// Everything below is touched only by the Run goroutine.
	attempt      uint64
	room         domain.RoomID
	bearer       string
	grant        *core.TokenGrant
	conn         core.RelayConnection
	pipeline     *audio.Pipeline
	muted        bool
	participants map[domain.UserID]domain.Participant
	lastErr      string
	sessionID    string
	joinCancel   context.CancelFunc
}

// Internal events posted back into the inbox by async work.
type (
	credentialResult struct {
		attempt uint64
		grant   *core.TokenGrant
		err     error
	}
	connectResult struct {
		attempt uint64
		conn    core.RelayConnection
		err     error
	}
	participantJoined struct {
		attempt uint64
		p       domain.Participant
	}
	participantLeft struct {
		attempt uint64
		id      domain.UserID
	}
	remoteTrack struct {
		attempt uint64
		id      domain.UserID
		frames  <-chan core.PCM
	}
	transportClosed struct {
		attempt uint64
		err     error
	}
	deviceFailed struct {
		attempt uint64
		err     error
	}
	signalingEvent struct {
		ev matrix.VoiceEvent
	}
)

func NewSession(deps Deps) *Session {
	s := &Session{
		deps:         deps,
		inbox:        make(chan any, inboxDepth),
		participants: make(map[domain.UserID]domain.Participant),
	}
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: "join", Src: []string{"idle"}, Dst: "requesting"},
			{Name: "credential", Src: []string{"requesting"}, Dst: "connecting"},
			{Name: "connected", Src: []string{"connecting"}, Dst: "connected"},
			{Name: "leave", Src: []string{"requesting", "connecting", "connected"}, Dst: "leaving"},
			{Name: "left", Src: []string{"leaving"}, Dst: "idle"},
			{Name: "fail", Src: []string{"requesting", "connecting", "connected"}, Dst: "failed"},
			{Name: "reset", Src: []string{"failed"}, Dst: "idle"},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Info().
					Str("module", "voice").
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("session transition")
			},
		},
	)
	return s
}

// Submit enqueues a command without blocking. Returns false when the inbox
// is full; the caller retries the user action.
func (s *Session) Submit(cmd Command) bool {
	select {
	case s.inbox <- cmd:
		return true
	default:
		return false
	}
}

// HandleSignalingEvent feeds an inbound advisory voice event from the
// messaging channel into the session. Non-blocking; advisory events are
// droppable by design.
func (s *Session) HandleSignalingEvent(ev matrix.VoiceEvent) {
	select {
	case s.inbox <- signalingEvent{ev: ev}:
	default:
	}
}

// Run processes the inbox until ctx is cancelled, then runs the leave path
// under a short deadline so relay-side participant entries are not leaked.
func (s *Session) Run(ctx context.Context) {
	s.publish()
	for {
		select {
		case <-ctx.Done():
			if s.state() != StateIdle {
				s.performLeave()
			}
			return
		case item := <-s.inbox:
			s.dispatch(item)
		}
	}
}

func (s *Session) dispatch(item any) {
	switch v := item.(type) {
	case Join:
		s.handleJoin(v)
	case Leave:
		s.handleLeave()
	case ToggleMute:
		s.handleToggleMute()
	case credentialResult:
		s.handleCredentialResult(v)
	case connectResult:
		s.handleConnectResult(v)
	case participantJoined:
		s.handleParticipantJoined(v)
	case participantLeft:
		s.handleParticipantLeft(v)
	case remoteTrack:
		s.handleRemoteTrack(v)
	case transportClosed:
		s.handleTransportClosed(v)
	case deviceFailed:
		s.handleDeviceFailed(v)
	case signalingEvent:
		s.handleSignaling(v.ev)
	default:
		log.Warn().Str("module", "voice").Msg("unknown inbox item")
	}
}

func (s *Session) state() State { return State(s.fsm.Current()) }

func (s *Session) transition(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		log.Error().Err(err).
			Str("module", "voice").
			Str("event", event).
			Str("state", s.fsm.Current()).
			Msg("invalid transition")
	}
}

func (s *Session) publish() {
	if s.deps.Notify == nil {
		return
	}
	s.deps.Notify(Snapshot{
		State:        s.state(),
		Room:         s.room,
		Muted:        s.muted,
		Participants: snapshotParticipants(s.participants),
		Err:          s.lastErr,
	})
}

// ── Commands ─────────────────────────────────────────────────────────────

func (s *Session) handleJoin(cmd Join) {
	switch s.state() {
	case StateRequesting, StateConnecting, StateConnected:
		if s.room == cmd.Room {
			// Duplicate join for the room we are already entering.
			return
		}
		// Never two live relay connections: finish leaving first.
		s.performLeave()
	case StateIdle:
	default:
		s.performLeave()
	}
	s.startJoin(cmd)
}

func (s *Session) startJoin(cmd Join) {
	s.attempt++
	s.room = cmd.Room
	s.bearer = cmd.BearerToken
	s.muted = false
	s.lastErr = ""
	s.participants = make(map[domain.UserID]domain.Participant)

	s.transition("join")
	s.publish()

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.JoinTimeout)
	s.joinCancel = cancel

	attempt := s.attempt
	go func() {
		grant, err := s.deps.Issuer.IssueMediaCredential(ctx, cmd.BearerToken, cmd.Room)
		s.post(credentialResult{attempt: attempt, grant: grant, err: err})
	}()
}

func (s *Session) handleLeave() {
	if s.state() == StateIdle {
		return
	}
	s.performLeave()
	s.publish()
}

func (s *Session) handleToggleMute() {
	if s.state() != StateConnected {
		return
	}
	s.muted = !s.muted
	s.pipeline.SetMuted(s.muted)
	s.emit(matrix.EventTypeVoiceMute, matrix.VoiceMuteContent{Muted: s.muted})
	s.publish()
}

// ── Join progress ────────────────────────────────────────────────────────

func (s *Session) handleCredentialResult(r credentialResult) {
	if r.attempt != s.attempt || s.state() != StateRequesting {
		// A cancelled attempt's credential is simply discarded.
		return
	}
	if r.err != nil {
		s.fail(classify(r.err))
		return
	}
	s.grant = r.grant
	s.transition("credential")
	s.publish()

	attempt := s.attempt
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.JoinTimeout)
	prev := s.joinCancel
	s.joinCancel = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}
	go func() {
		defer cancel()
		conn, err := s.deps.Dialer.Dial(ctx, r.grant, s.room)
		if err != nil {
			s.post(connectResult{attempt: attempt, err: err})
			return
		}
		conn.OnParticipantJoined(func(p domain.Participant) {
			s.post(participantJoined{attempt: attempt, p: p})
		})
		conn.OnParticipantLeft(func(id domain.UserID) {
			s.post(participantLeft{attempt: attempt, id: id})
		})
		conn.OnRemoteTrack(func(id domain.UserID, frames <-chan core.PCM) {
			s.post(remoteTrack{attempt: attempt, id: id, frames: frames})
		})
		conn.OnClosed(func(err error) {
			s.post(transportClosed{attempt: attempt, err: err})
		})
		if err := conn.Connect(ctx); err != nil {
			s.post(connectResult{attempt: attempt, err: err})
			return
		}
		s.post(connectResult{attempt: attempt, conn: conn})
	}()
}

func (s *Session) handleConnectResult(r connectResult) {
	if r.attempt != s.attempt || s.state() != StateConnecting {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	if r.err != nil {
		s.fail(ErrKindTransport)
		return
	}

	capture, err := s.deps.Devices.OpenCapture()
	if err != nil {
		r.conn.Close()
		s.fail(ErrKindDevice)
		return
	}
	playback, err := s.deps.Devices.OpenPlayback()
	if err != nil {
		_ = capture.Close()
		r.conn.Close()
		s.fail(ErrKindDevice)
		return
	}

	attempt := s.attempt
	s.pipeline = audio.New(capture, playback, s.deps.DeviceRetryLimit, func(err error) {
		s.post(deviceFailed{attempt: attempt, err: err})
	})

	s.conn = r.conn
	s.conn.Publish(s.pipeline.StartCapture())
	s.joinCancel = nil
	s.sessionID = uuid.NewString()

	s.transition("connected")
	s.emit(matrix.EventTypeVoiceJoin, matrix.VoiceJoinContent{SessionID: s.sessionID})
	s.publish()
}

// ── Relay events ─────────────────────────────────────────────────────────

func (s *Session) handleParticipantJoined(ev participantJoined) {
	if ev.attempt != s.attempt {
		return
	}
	if s.isLocal(ev.p.ID) {
		return
	}
	// Relay is authoritative for membership; keep advisory fields if the
	// signaling view already supplied them.
	if existing, ok := s.participants[ev.p.ID]; ok {
		existing.DisplayName = ev.p.DisplayName
		s.participants[ev.p.ID] = existing
	} else {
		s.participants[ev.p.ID] = ev.p
	}
	s.publish()
}

func (s *Session) handleParticipantLeft(ev participantLeft) {
	if ev.attempt != s.attempt {
		return
	}
	delete(s.participants, ev.id)
	if s.pipeline != nil {
		s.pipeline.StopPlayback(ev.id)
	}
	s.publish()
}

func (s *Session) handleRemoteTrack(ev remoteTrack) {
	if ev.attempt != s.attempt || s.pipeline == nil {
		return
	}
	if s.isLocal(ev.id) {
		return
	}
	s.pipeline.StartPlayback(ev.id, ev.frames)
}

func (s *Session) handleTransportClosed(ev transportClosed) {
	if ev.attempt != s.attempt {
		return
	}
	log.Warn().Err(ev.err).Str("module", "voice").Msg("relay transport lost")
	s.fail(ErrKindTransport)
}

func (s *Session) handleDeviceFailed(ev deviceFailed) {
	if ev.attempt != s.attempt {
		return
	}
	log.Warn().Err(ev.err).Str("module", "voice").Msg("audio device retry budget exhausted")
	s.fail(ErrKindDevice)
}

// ── Advisory signaling view ──────────────────────────────────────────────

// handleSignaling reconciles the messaging-channel view of voice presence.
// It drives labels and presence ahead of the relay but never removes an
// entry: removal happens on relay report or session teardown.
func (s *Session) handleSignaling(ev matrix.VoiceEvent) {
	if ev.Room != s.room || s.isLocal(ev.Sender) {
		return
	}
	switch s.state() {
	case StateConnecting, StateConnected:
	default:
		return
	}
	content, err := ev.DecodeContent()
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("bad signaling event")
		return
	}
	switch c := content.(type) {
	case matrix.VoiceJoinContent:
		if _, ok := s.participants[ev.Sender]; !ok {
			s.participants[ev.Sender] = domain.NewParticipant(ev.Sender, "")
			s.publish()
		}
	case matrix.VoiceMuteContent:
		if p, ok := s.participants[ev.Sender]; ok {
			p.Muted = c.Muted
			s.participants[ev.Sender] = p
			s.publish()
		}
	case matrix.VoiceLeaveContent:
		// Membership removal is the relay's call.
	}
}

// ── Teardown ─────────────────────────────────────────────────────────────

// performLeave runs the leave path from any non-idle state: cancel in-flight
// work, unpublish, announce, close relay, stop devices, land in idle. Never
// partially applied — every resource is released before idle is reported.
func (s *Session) performLeave() {
	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}

	wasLive := s.state() == StateConnected
	s.transition("leave")
	s.publish()

	if wasLive {
		s.emitWithin(s.leaveBudget(), matrix.EventTypeVoiceLeave, matrix.VoiceLeaveContent{})
	}
	s.teardownResources()
	s.transition("left")
}

// fail tears down and surfaces the failure, then auto-reverts to idle. The
// error stays in the snapshot so the UI can render a banner from idle.
func (s *Session) fail(kind string) {
	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}
	wasLive := s.state() == StateConnected
	if wasLive {
		// Best-effort: the signaling channel may still be reachable even
		// though the relay transport is gone.
		s.emitWithin(s.leaveBudget(), matrix.EventTypeVoiceLeave, matrix.VoiceLeaveContent{})
	}
	s.teardownResources()
	s.lastErr = kind
	s.transition("fail")
	s.publish()
	s.transition("reset")
	s.publish()
}

func (s *Session) teardownResources() {
	// Anything still in flight for this attempt (relay callbacks, device
	// failures) is void once the resources are gone.
	s.attempt++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.pipeline != nil {
		s.pipeline.Shutdown()
		s.pipeline = nil
	}
	s.grant = nil
	s.sessionID = ""
	s.participants = make(map[domain.UserID]domain.Participant)
}

// ── Helpers ──────────────────────────────────────────────────────────────

func (s *Session) post(item any) {
	select {
	case s.inbox <- item:
	default:
		log.Warn().Str("module", "voice").Msg("inbox full, dropping event")
	}
}

func (s *Session) isLocal(id domain.UserID) bool {
	return s.grant != nil && s.grant.Media.Subject == id
}

// emit sends a signaling event best-effort, bounded so a slow homeserver
// cannot stall the event loop.
func (s *Session) emit(eventType string, content any) {
	s.emitWithin(emitTimeout, eventType, content)
}

func (s *Session) emitWithin(timeout time.Duration, eventType string, content any) {
	if s.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.deps.Events.SendVoiceEvent(ctx, s.room, eventType, content); err != nil {
		log.Warn().Err(err).
			Str("module", "voice").
			Str("event_type", eventType).
			Msg("signaling emit failed")
	}
}

// leaveBudget bounds the leave announcement during teardown.
func (s *Session) leaveBudget() time.Duration {
	if s.deps.LeaveTimeout > 0 {
		return s.deps.LeaveTimeout
	}
	return emitTimeout
}

func classify(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return ErrKindUnauthorized
	case errors.Is(err, auth.ErrInvalidRequest):
		return ErrKindInvalid
	case errors.Is(err, auth.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrKindUpstream
	default:
		return ErrKindTransport
	}
}
