package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
	"github.com/spoke-chat/spoke/internal/matrix"
)

const (
	testRoom  = domain.RoomID("!voice:example.org")
	otherRoom = domain.RoomID("!other:example.org")
	localUser = domain.UserID("@alice:example.org")
)

// ── Collaborator fakes ───────────────────────────────────────────────────

type stubIssuer struct {
	mu      sync.Mutex
	err     error
	calls   int
	release chan struct{} // when set, Issue blocks until closed or ctx ends
}

func (i *stubIssuer) IssueMediaCredential(ctx context.Context, _ string, room domain.RoomID) (*core.TokenGrant, error) {
	i.mu.Lock()
	i.calls++
	rel := i.release
	err := i.err
	i.mu.Unlock()

	if rel != nil {
		select {
		case <-rel:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &core.TokenGrant{
		RelayURL: "ws://relay:7880",
		Media: core.MediaCredential{
			Subject:      localUser,
			Room:         room,
			CanPublish:   true,
			CanSubscribe: true,
			Token:        "tok",
			ExpiresAt:    time.Now().Add(5 * time.Minute),
		},
	}, nil
}

func (i *stubIssuer) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

type stubConn struct {
	connectErr error

	mu       sync.Mutex
	onJoined func(domain.Participant)
	onLeft   func(domain.UserID)
	onTrack  func(domain.UserID, <-chan core.PCM)
	onClosed func(error)

	published atomic.Bool
	closed    atomic.Bool
}

func (c *stubConn) Connect(context.Context) error { return c.connectErr }

func (c *stubConn) Publish(frames <-chan core.PCM) {
	c.published.Store(true)
	go func() {
		for range frames {
		}
	}()
}

func (c *stubConn) OnParticipantJoined(f func(domain.Participant)) {
	c.mu.Lock()
	c.onJoined = f
	c.mu.Unlock()
}

func (c *stubConn) OnParticipantLeft(f func(domain.UserID)) {
	c.mu.Lock()
	c.onLeft = f
	c.mu.Unlock()
}

func (c *stubConn) OnRemoteTrack(f func(domain.UserID, <-chan core.PCM)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *stubConn) OnClosed(f func(error)) {
	c.mu.Lock()
	c.onClosed = f
	c.mu.Unlock()
}

func (c *stubConn) Close() { c.closed.Store(true) }

func (c *stubConn) fireJoined(p domain.Participant) {
	c.mu.Lock()
	f := c.onJoined
	c.mu.Unlock()
	f(p)
}

func (c *stubConn) fireLeft(id domain.UserID) {
	c.mu.Lock()
	f := c.onLeft
	c.mu.Unlock()
	f(id)
}

func (c *stubConn) fireTrack(id domain.UserID, frames <-chan core.PCM) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	f(id, frames)
}

func (c *stubConn) fireClosed(err error) {
	c.mu.Lock()
	f := c.onClosed
	c.mu.Unlock()
	f(err)
}

type stubDialer struct {
	mu         sync.Mutex
	dialErr    error
	connectErr error
	conns      []*stubConn
}

func (d *stubDialer) Dial(context.Context, *core.TokenGrant, domain.RoomID) (core.RelayConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &stubConn{connectErr: d.connectErr}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *stubDialer) conn(i int) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type stubCapture struct{ closed atomic.Bool }

func (c *stubCapture) Read() (core.PCM, error) {
	if c.closed.Load() {
		return nil, errors.New("capture closed")
	}
	time.Sleep(time.Millisecond)
	return make(core.PCM, core.FrameSamples), nil
}

func (c *stubCapture) Close() error {
	c.closed.Store(true)
	return nil
}

type stubPlayback struct{ closed atomic.Bool }

func (p *stubPlayback) Write(core.PCM) error {
	if p.closed.Load() {
		return errors.New("playback closed")
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (p *stubPlayback) Close() error {
	p.closed.Store(true)
	return nil
}

type stubOpener struct {
	captureErr  error
	playbackErr error

	mu        sync.Mutex
	captures  []*stubCapture
	playbacks []*stubPlayback
}

func (o *stubOpener) OpenCapture() (core.CaptureDevice, error) {
	if o.captureErr != nil {
		return nil, o.captureErr
	}
	c := &stubCapture{}
	o.mu.Lock()
	o.captures = append(o.captures, c)
	o.mu.Unlock()
	return c, nil
}

func (o *stubOpener) OpenPlayback() (core.PlaybackDevice, error) {
	if o.playbackErr != nil {
		return nil, o.playbackErr
	}
	p := &stubPlayback{}
	o.mu.Lock()
	o.playbacks = append(o.playbacks, p)
	o.mu.Unlock()
	return p, nil
}

func (o *stubOpener) captureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.captures)
}

type sentEvent struct {
	Room    domain.RoomID
	Type    string
	Content any
}

type recordSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordSender) SendVoiceEvent(_ context.Context, room domain.RoomID, eventType string, content any) error {
	r.mu.Lock()
	r.events = append(r.events, sentEvent{Room: room, Type: eventType, Content: content})
	r.mu.Unlock()
	return nil
}

func (r *recordSender) ofType(eventType string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type snapRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapRecorder) notify(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapRecorder) latest() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *snapRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *snapRecorder) waitFor(t *testing.T, pred func(Snapshot) bool, what string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range r.all() {
			if pred(s) {
				return s
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, r.latest())
	return Snapshot{}
}

func (r *snapRecorder) waitState(t *testing.T, st State) Snapshot {
	t.Helper()
	return r.waitFor(t, func(s Snapshot) bool { return s.State == st }, string(st))
}

// ── Harness ──────────────────────────────────────────────────────────────

type harness struct {
	issuer *stubIssuer
	dialer *stubDialer
	opener *stubOpener
	sender *recordSender
	rec    *snapRecorder
	sess   *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		issuer: &stubIssuer{},
		dialer: &stubDialer{},
		opener: &stubOpener{},
		sender: &recordSender{},
		rec:    &snapRecorder{},
	}
	h.sess = NewSession(Deps{
		Issuer:           h.issuer,
		Dialer:           h.dialer,
		Devices:          h.opener,
		Events:           h.sender,
		Notify:           h.rec.notify,
		JoinTimeout:      time.Second,
		LeaveTimeout:     time.Second,
		DeviceRetryLimit: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sess.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) join(t *testing.T) *stubConn {
	t.Helper()
	require.True(t, h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"}))
	h.rec.waitState(t, StateConnected)
	require.Equal(t, 1, h.dialer.dialCount())
	return h.dialer.conn(0)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestJoinHappyPath(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	assert.True(t, conn.published.Load(), "local track must be publishing")
	assert.Equal(t, 1, h.issuer.callCount())

	// requesting, connecting, connected, in that order.
	var seq []State
	for _, s := range h.rec.all() {
		if len(seq) == 0 || seq[len(seq)-1] != s.State {
			seq = append(seq, s.State)
		}
	}
	assert.Equal(t, []State{StateIdle, StateRequesting, StateConnecting, StateConnected}, seq)

	joins := h.sender.ofType("org.spoke.voice.join")
	require.Len(t, joins, 1, "exactly one join announcement per session")
	assert.Equal(t, testRoom, joins[0].Room)

	snap := h.rec.latest()
	assert.Equal(t, testRoom, snap.Room)
	assert.False(t, snap.Muted)
	assert.Empty(t, snap.Err)
}

func TestDuplicateJoinIsNoop(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.issuer.callCount(), "duplicate join must not re-request credentials")
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Equal(t, StateConnected, h.rec.latest().State)
}

func TestJoinDifferentRoomSwitches(t *testing.T) {
	h := newHarness(t)
	first := h.join(t)

	h.sess.Submit(Join{Room: otherRoom, BearerToken: "syt_token"})
	h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateConnected && s.Room == otherRoom
	}, "connected to second room")

	assert.True(t, first.closed.Load(), "first connection must be torn down")
	assert.Equal(t, 2, h.dialer.dialCount())
	assert.False(t, h.dialer.conn(1).closed.Load())
}

func TestRapidJoinsKeepOneConnection(t *testing.T) {
	h := newHarness(t)
	h.issuer.release = make(chan struct{})

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	h.rec.waitState(t, StateRequesting)
	h.sess.Submit(Join{Room: otherRoom, BearerToken: "syt_token"})
	h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateRequesting && s.Room == otherRoom
	}, "second attempt requesting")

	close(h.issuer.release)
	snap := h.rec.waitState(t, StateConnected)

	assert.Equal(t, otherRoom, snap.Room, "only the newest attempt may land")
	assert.Equal(t, 1, h.dialer.dialCount(), "the cancelled attempt must never dial")
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.sess.Submit(ToggleMute{})
	h.rec.waitFor(t, func(s Snapshot) bool { return s.Muted }, "muted snapshot")
	assert.Equal(t, 1, h.opener.captureCount(), "mute must not reopen the device")
	assert.False(t, h.opener.captures[0].closed.Load())

	mutes := h.sender.ofType("org.spoke.voice.mute")
	require.Len(t, mutes, 1)

	h.sess.Submit(ToggleMute{})
	h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateConnected && !s.Muted
	}, "unmuted snapshot")
	assert.Len(t, h.sender.ofType("org.spoke.voice.mute"), 2)
}

func TestToggleMuteIgnoredWhenNotConnected(t *testing.T) {
	h := newHarness(t)

	h.sess.Submit(ToggleMute{})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateIdle, h.rec.latest().State)
	assert.Empty(t, h.sender.ofType("org.spoke.voice.mute"))
}

func TestParticipantRoster(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	conn.fireJoined(domain.NewParticipant("@bob:example.org", "Bob"))
	snap := h.rec.waitFor(t, func(s Snapshot) bool { return len(s.Participants) == 1 }, "bob in roster")
	assert.Equal(t, StateConnected, snap.State, "roster changes must not disturb the state")
	assert.Equal(t, "Bob", snap.Participants[0].DisplayName)

	conn.fireLeft("@bob:example.org")
	h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateConnected && len(s.Participants) == 0
	}, "bob removed")
}

func TestLocalUserExcludedFromRoster(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	conn.fireJoined(domain.NewParticipant(localUser, "Alice"))
	conn.fireJoined(domain.NewParticipant("@bob:example.org", "Bob"))

	snap := h.rec.waitFor(t, func(s Snapshot) bool { return len(s.Participants) > 0 }, "roster update")
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, domain.UserID("@bob:example.org"), snap.Participants[0].ID)
}

func TestTransportDropFailsThenIdles(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	conn.fireClosed(errors.New("ice disconnected"))

	failed := h.rec.waitState(t, StateFailed)
	assert.Equal(t, ErrKindTransport, failed.Err)

	idle := h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateIdle && s.Err == ErrKindTransport
	}, "idle with retained error")
	assert.Empty(t, idle.Participants)

	assert.Len(t, h.sender.ofType("org.spoke.voice.leave"), 1, "best-effort leave announcement")
	assert.True(t, h.opener.captures[0].closed.Load(), "devices released on failure")
	assert.True(t, h.opener.playbacks[0].closed.Load())
}

func TestTransportDropDuringLeaveStaysClean(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	// The relay dies while the user is leaving: the leave is already queued
	// ahead of the transport report, so the session must land in idle with
	// no error banner.
	h.sess.Submit(Leave{})
	conn.fireClosed(errors.New("ice disconnected"))

	h.rec.waitFor(t, func(s Snapshot) bool { return s.State == StateIdle }, "idle after leave")
	time.Sleep(50 * time.Millisecond)

	for _, s := range h.rec.all() {
		assert.NotEqual(t, StateFailed, s.State, "clean leave must not report a failure")
	}
	assert.Empty(t, h.rec.latest().Err)
	assert.Len(t, h.sender.ofType("org.spoke.voice.leave"), 1)
}

func TestLeaveWhileRequestingCancelsAttempt(t *testing.T) {
	h := newHarness(t)
	h.issuer.release = make(chan struct{})
	defer close(h.issuer.release)

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	h.rec.waitState(t, StateRequesting)

	h.sess.Submit(Leave{})
	h.rec.waitFor(t, func(s Snapshot) bool { return s.State == StateIdle && s.Room == testRoom }, "back to idle")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.dialer.dialCount(), "cancelled attempt must not reach the relay")
	assert.Empty(t, h.sender.ofType("org.spoke.voice.leave"), "no leave announcement for a session that never went live")
}

func TestLeaveWhileConnected(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	h.sess.Submit(Leave{})
	h.rec.waitFor(t, func(s Snapshot) bool { return s.State == StateIdle }, "idle after leave")

	assert.True(t, conn.closed.Load())
	assert.Len(t, h.sender.ofType("org.spoke.voice.leave"), 1)
	assert.True(t, h.opener.captures[0].closed.Load())
}

func TestLeaveWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.sess.Submit(Leave{})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, h.rec.latest().State)
}

func TestJoinUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.issuer.err = auth.ErrUnauthorized

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_expired"})

	failed := h.rec.waitState(t, StateFailed)
	assert.Equal(t, ErrKindUnauthorized, failed.Err)
	h.rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateIdle && s.Err == ErrKindUnauthorized
	}, "idle with error retained")

	assert.Zero(t, h.dialer.dialCount())
	assert.Empty(t, h.sender.ofType("org.spoke.voice.join"))
}

func TestJoinUpstreamDown(t *testing.T) {
	h := newHarness(t)
	h.issuer.err = auth.ErrUpstreamUnavailable

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	failed := h.rec.waitState(t, StateFailed)
	assert.Equal(t, ErrKindUpstream, failed.Err)
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.dialErr = errors.New("relay unreachable")

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	failed := h.rec.waitState(t, StateFailed)
	assert.Equal(t, ErrKindTransport, failed.Err)
}

func TestDeviceOpenFailureClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.opener.captureErr = errors.New("no capture device")

	h.sess.Submit(Join{Room: testRoom, BearerToken: "syt_token"})
	failed := h.rec.waitState(t, StateFailed)
	assert.Equal(t, ErrKindDevice, failed.Err)

	require.Equal(t, 1, h.dialer.dialCount())
	assert.True(t, h.dialer.conn(0).closed.Load(), "connection released when devices cannot open")
	assert.Empty(t, h.sender.ofType("org.spoke.voice.join"))
}

func TestSignalingAdvisoryView(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	carol := domain.UserID("@carol:example.org")
	h.sess.HandleSignalingEvent(matrixJoin(testRoom, carol))
	snap := h.rec.waitFor(t, func(s Snapshot) bool { return len(s.Participants) == 1 }, "carol via signaling")
	assert.Equal(t, carol, snap.Participants[0].ID)
	assert.False(t, snap.Participants[0].Muted)

	h.sess.HandleSignalingEvent(matrixMute(testRoom, carol, true))
	h.rec.waitFor(t, func(s Snapshot) bool {
		return len(s.Participants) == 1 && s.Participants[0].Muted
	}, "carol muted via signaling")

	// A leave event is advisory only: the relay decides membership.
	h.sess.HandleSignalingEvent(matrixLeave(testRoom, carol))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.rec.latest().Participants, 1, "signaling leave must not remove a participant")
}

func TestSignalingOtherRoomIgnored(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.sess.HandleSignalingEvent(matrixJoin(otherRoom, "@carol:example.org"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.rec.latest().Participants)
}

func TestRemoteTrackFeedsPlayback(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	frames := make(chan core.PCM, 2)
	frames <- make(core.PCM, core.FrameSamples)
	conn.fireTrack("@bob:example.org", frames)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(frames) == 0 {
			close(frames)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("remote track frames never consumed")
}

func TestContextCancelLeavesGracefully(t *testing.T) {
	h := &harness{
		issuer: &stubIssuer{},
		dialer: &stubDialer{},
		opener: &stubOpener{},
		sender: &recordSender{},
		rec:    &snapRecorder{},
	}
	h.sess = NewSession(Deps{
		Issuer:           h.issuer,
		Dialer:           h.dialer,
		Devices:          h.opener,
		Events:           h.sender,
		Notify:           h.rec.notify,
		JoinTimeout:      time.Second,
		LeaveTimeout:     time.Second,
		DeviceRetryLimit: 2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sess.Run(ctx)
		close(done)
	}()

	conn := h.join(t)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not exit on cancellation")
	}

	assert.True(t, conn.closed.Load())
	assert.True(t, h.opener.captures[0].closed.Load())
	assert.Len(t, h.sender.ofType("org.spoke.voice.leave"), 1)
}

// ── Signaling event builders ─────────────────────────────────────────────

func matrixJoin(room domain.RoomID, sender domain.UserID) matrix.VoiceEvent {
	return matrix.VoiceEvent{Room: room, Sender: sender, Type: matrix.EventTypeVoiceJoin,
		Content: json.RawMessage(`{"session_id": "remote"}`)}
}

func matrixMute(room domain.RoomID, sender domain.UserID, muted bool) matrix.VoiceEvent {
	raw := `{"muted": false}`
	if muted {
		raw = `{"muted": true}`
	}
	return matrix.VoiceEvent{Room: room, Sender: sender, Type: matrix.EventTypeVoiceMute,
		Content: json.RawMessage(raw)}
}

func matrixLeave(room domain.RoomID, sender domain.UserID) matrix.VoiceEvent {
	return matrix.VoiceEvent{Room: room, Sender: sender, Type: matrix.EventTypeVoiceLeave,
		Content: json.RawMessage(`{}`)}
}
