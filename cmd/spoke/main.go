// spoke: headless voice client. Reads commands from stdin and prints the
// session snapshot whenever it changes. The graphical client consumes the
// same bridge; this binary exists for development and soak testing against a
// real sidecar and relay.
//
// Commands:
//
//	join !room:server
//	leave
//	mute
//	status
//	quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/audio"
	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/bridge"
	"github.com/spoke-chat/spoke/internal/config"
	"github.com/spoke-chat/spoke/internal/domain"
	"github.com/spoke-chat/spoke/internal/matrix"
	"github.com/spoke-chat/spoke/internal/relay"
	"github.com/spoke-chat/spoke/internal/voice"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.MatrixToken == "" {
		log.Fatal().Msg("SPOKE_MATRIX_TOKEN is required")
	}

	deps := voice.Deps{
		Issuer:           auth.NewTokenClient(cfg.SidecarURL, cfg.HTTPTimeout),
		Dialer:           relay.NewDialer(),
		Devices:          audio.NullOpener{},
		Events:           matrix.NewRoomEventSender(cfg.MatrixServer, cfg.MatrixToken, cfg.HTTPTimeout),
		JoinTimeout:      cfg.JoinTimeout,
		LeaveTimeout:     cfg.LeaveTimeout,
		DeviceRetryLimit: cfg.DeviceRetryLimit,
	}

	repaint := make(chan struct{}, 1)
	b := bridge.New(func(notify func(voice.Snapshot)) *voice.Session {
		d := deps
		d.Notify = notify
		return voice.NewSession(d)
	}, func() {
		select {
		case repaint <- struct{}{}:
		default:
		}
	})

	go b.Run(ctx)
	go printLoop(ctx, b, repaint)

	readCommands(ctx, cancel, b, cfg.MatrixToken)
	// Leave path runs inside bridge.Run before the process exits.
	<-ctx.Done()
}

func printLoop(ctx context.Context, b *bridge.Bridge, repaint <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-repaint:
			snap := b.Snapshot()
			line := fmt.Sprintf("[%s] room=%s muted=%v participants=%d",
				snap.State, snap.Room, snap.Muted, len(snap.Participants))
			if snap.Err != "" {
				line += " err=" + snap.Err
			}
			fmt.Println(line)
		}
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, b *bridge.Bridge, bearer string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var ok bool
		switch fields[0] {
		case "join":
			if len(fields) != 2 {
				fmt.Println("usage: join !room:server")
				continue
			}
			room, err := domain.ParseRoomID(fields[1])
			if err != nil {
				fmt.Println("bad room id:", err)
				continue
			}
			ok = b.Submit(voice.Join{Room: room, BearerToken: bearer})
		case "leave":
			ok = b.Submit(voice.Leave{})
		case "mute":
			ok = b.Submit(voice.ToggleMute{})
		case "status":
			snap := b.Snapshot()
			fmt.Printf("%+v\n", snap)
			continue
		case "quit":
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
			continue
		}
		if !ok {
			fmt.Println("busy, try again")
		}
	}
	cancel()
}
