package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	ackTimeout     = 10 * time.Second
)

// gatewayFrame is the on-wire frame between this client and the realtime
// gateway. Event payloads stay opaque here; decoding them is the caller's
// concern, so no gateway-specific names leak past the transport boundary.
type gatewayFrame struct {
	Op      string          `json:"op"` // subscribe | unsubscribe | publish | ack | event
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gateway is a Transport over a single authenticated websocket connection to
// the realtime gateway. It multiplexes all channel keys over that one socket.
type Gateway struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	subs   map[string]chan *message.Message
	acks   map[string]chan struct{}
	status chan Status
	closed bool
}

var (
	_ Transport     = (*Gateway)(nil)
	_ Reconnectable = (*Gateway)(nil)
)

// NewGateway builds a websocket transport. Connect must be called before
// Subscribe or Publish; the Connection Supervisor owns that lifecycle.
func NewGateway(url, token string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "ws_gateway").Logger(),
		subs:   map[string]chan *message.Message{},
		acks:   map[string]chan struct{}{},
		status: make(chan Status, 4),
	}
}

func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("gateway closed")
	}
	if g.conn != nil {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}
	conn, resp, err := g.dialer.DialContext(ctx, g.url, header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s (status %d)", g.url, resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", g.url)
	}

	g.mu.Lock()
	g.conn = conn
	g.send = make(chan []byte, 64)
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.readPump(conn)
	go g.writePump(conn, g.send, g.done)

	g.notify(StatusUp)
	g.logger.Info().Str("url", g.url).Msg("gateway connected")
	return nil
}

func (g *Gateway) StatusChanges() <-chan Status {
	return g.status
}

func (g *Gateway) Subscribe(ctx context.Context, key string) (<-chan *message.Message, error) {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return nil, errors.New("gateway not connected")
	}
	if old, ok := g.subs[key]; ok {
		close(old)
	}
	ch := make(chan *message.Message, 64)
	g.subs[key] = ch
	ack := make(chan struct{})
	g.acks[key] = ack
	g.mu.Unlock()

	if err := g.writeFrame(gatewayFrame{Op: "subscribe", Key: key}); err != nil {
		g.dropSub(key)
		return nil, err
	}

	select {
	case <-ack:
		return ch, nil
	case <-time.After(ackTimeout):
		g.dropSub(key)
		return nil, errors.Errorf("subscribe %s: no ack within %s", key, ackTimeout)
	case <-ctx.Done():
		g.dropSub(key)
		return nil, errors.Wrapf(ctx.Err(), "subscribe %s", key)
	}
}

func (g *Gateway) Publish(key string, payload []byte) error {
	return g.writeFrame(gatewayFrame{Op: "publish", Key: key, Payload: payload})
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (g *Gateway) writeFrame(f gatewayFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	g.mu.Lock()
	send := g.send
	connected := g.conn != nil
	g.mu.Unlock()
	if !connected {
		return errors.New("gateway not connected")
	}
	select {
	case send <- data:
		return nil
	default:
		return errors.Errorf("gateway send buffer full (op %s, key %s)", f.Op, f.Key)
	}
}

func (g *Gateway) dropSub(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.subs[key]; ok {
		close(ch)
		delete(g.subs, key)
	}
	delete(g.acks, key)
}

func (g *Gateway) readPump(conn *websocket.Conn) {
	defer g.teardown(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn().Err(err).Msg("gateway read error")
			}
			return
		}
		var f gatewayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			g.logger.Warn().Err(err).Msg("invalid gateway frame")
			continue
		}
		switch f.Op {
		case "ack":
			g.mu.Lock()
			if ack, ok := g.acks[f.Key]; ok {
				close(ack)
				delete(g.acks, f.Key)
			}
			g.mu.Unlock()
		case "event":
			g.mu.Lock()
			ch := g.subs[f.Key]
			g.mu.Unlock()
			if ch == nil {
				continue
			}
			msg := message.NewMessage(watermill.NewUUID(), []byte(f.Payload))
			select {
			case ch <- msg:
			default:
				g.logger.Warn().Str("key", f.Key).Msg("inbound buffer full, dropping event")
			}
		default:
			g.logger.Debug().Str("op", f.Op).Msg("ignoring gateway frame")
		}
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown closes all per-key streams so subscribers observe the drop, then
// reports the link as down.
func (g *Gateway) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	g.mu.Lock()
	if g.conn != conn {
		// A newer connection already took over; don't touch its streams.
		g.mu.Unlock()
		return
	}
	g.conn = nil
	close(g.done)
	for key, ch := range g.subs {
		close(ch)
		delete(g.subs, key)
	}
	for key := range g.acks {
		delete(g.acks, key)
	}
	closed := g.closed
	g.mu.Unlock()
	if !closed {
		g.notify(StatusDown)
		g.logger.Info().Msg("gateway disconnected")
	}
}

func (g *Gateway) notify(s Status) {
	select {
	case g.status <- s:
	default:
	}
}
