// Package bridge is the single crossing point between the asynchronous
// execution domain (network I/O, media callbacks) and the synchronous
// redraw-driven UI. Commands go in through a bounded queue; state comes back
// as copied snapshots in a latest-value slot. No structure is shared mutably
// across the boundary.
package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/voice"
)

const commandDepth = 16

// Bridge owns the one live voice session: it is the only place allowed to
// hold or replace it. The UI and other components get command submission and
// snapshot reads, never the session itself.
type Bridge struct {
	session *voice.Session
	cmds    chan voice.Command

	mu     sync.Mutex
	latest voice.Snapshot

	// repaint wakes the synchronous domain when a new snapshot lands, so a
	// frame-driven UI does not have to poll.
	repaint func()
}

// New wires a session factory so the bridge can install its snapshot sink
// before the session starts. repaint may be nil.
func New(makeSession func(notify func(voice.Snapshot)) *voice.Session, repaint func()) *Bridge {
	b := &Bridge{
		cmds:    make(chan voice.Command, commandDepth),
		latest:  voice.Snapshot{State: voice.StateIdle},
		repaint: repaint,
	}
	b.session = makeSession(b.publish)
	return b
}

// Run pumps commands into the session and runs the session loop until ctx
// is cancelled. Blocks; callers run it on the async domain.
func (b *Bridge) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-b.cmds:
				if !b.session.Submit(cmd) {
					log.Warn().Str("module", "bridge").Msg("session inbox full, command dropped")
				}
			}
		}
	}()
	b.session.Run(ctx)
}

// Submit enqueues one command without blocking. Returns false when the queue
// is full; commands are idempotent at the state-machine level, so the user
// action is simply retried.
func (b *Bridge) Submit(cmd voice.Command) bool {
	select {
	case b.cmds <- cmd:
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the most recent session snapshot. Safe to call
// from the redraw loop on every frame; never blocks on the async domain.
func (b *Bridge) Snapshot() voice.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Session exposes the inbound signaling hook for the messaging client.
func (b *Bridge) Session() *voice.Session { return b.session }

func (b *Bridge) publish(s voice.Snapshot) {
	b.mu.Lock()
	b.latest = s
	b.mu.Unlock()
	if b.repaint != nil {
		b.repaint()
	}
}
