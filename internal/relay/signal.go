package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	signalSendDepth    = 32
	signalWriteTimeout = 5 * time.Second
)

// signalConn is the websocket signaling channel to the relay. Outbound
// messages go through a bounded send queue drained by writePump; inbound
// messages are dispatched to onMessage from readPump.
type signalConn struct {
	conn *websocket.Conn
	send chan []byte

	onMessage func(*envelope)
	onClosed  func(error)

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func dialSignal(ctx context.Context, url string, onMessage func(*envelope), onClosed func(error)) (*signalConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &signalConn{
		conn:      ws,
		send:      make(chan []byte, signalSendDepth),
		onMessage: onMessage,
		onClosed:  onClosed,
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *signalConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.trySend(b)
}

func (c *signalConn) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("signal connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *signalConn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *signalConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout)); err != nil {
			log.Error().Err(err).Str("module", "relay.signal").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "relay.signal").Msg("writePump write error")
			return
		}
	}
}

func (c *signalConn) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.onClosed != nil {
				c.onClosed(err)
			}
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			log.Error().Err(err).Str("module", "relay.signal").Msg("bad envelope")
			continue
		}
		c.onMessage(env)
	}
}
