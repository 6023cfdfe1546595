package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
)

const (
	defaultHeartbeat = 15 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

var errStreamUnsupported = errors.New("streaming unsupported")

// liveSink delivers named events to one observer.
type liveSink interface {
	Send(name string, data any) error
	Heartbeat() error
	Close()
}

// sseSink writes event/data frames over a flushed HTTP response.
type sseSink struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

func newSSESink(w http.ResponseWriter, logger *slog.Logger) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{writer: w, flusher: flusher, log: logger}, nil
}

func (c *sseSink) Send(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "event", name, "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseSink) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// wsFrame is the WebSocket rendering of a live event.
type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsSink writes JSON frames to a WebSocket connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
}

func (c *wsSink) Send(name string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(wsFrame{Event: name, Data: data}); err != nil {
		c.log.Warn("websocket send failed", "event", name, "error", err)
		return err
	}
	return nil
}

func (c *wsSink) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// openSink upgrades WebSocket requests and falls back to SSE otherwise. The
// returned context ends when the observer goes away.
func (r *Router) openSink(w http.ResponseWriter, req *http.Request) (liveSink, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(req.Context())
	if !websocket.IsWebSocketUpgrade(req) {
		sink, err := newSSESink(w, r.logger)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		return sink, ctx, cancel, nil
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return &wsSink{conn: conn, log: r.logger}, ctx, cancel, nil
}

// channel describes one live channel session.
type channel struct {
	key       string
	timeout   time.Duration
	connected string
	// terminal events end the session after delivery.
	terminal map[string]bool
	// start runs once the observer is subscribed.
	start func() error
}

// serveChannel subscribes the observer under ch.key and pumps heartbeats
// until the observer leaves, a terminal event is delivered or the timeout
// fires.
func (r *Router) serveChannel(w http.ResponseWriter, req *http.Request, ch channel) {
	sink, ctx, cancel, err := r.openSink(w, req)
	if err != nil {
		if errors.Is(err, errStreamUnsupported) {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		r.logger.Warn("live channel open failed", "key", ch.key, "error", err)
		return
	}
	defer cancel()
	defer sink.Close()

	var finishOnce sync.Once
	finished := make(chan struct{})
	finish := func() { finishOnce.Do(func() { close(finished) }) }

	unsubscribe := r.bus.Subscribe(ch.key, func(ev events.Event) error {
		select {
		case <-finished:
			return nil
		default:
		}
		if err := sink.Send(ev.Name, ev.Data); err != nil {
			finish()
			return err
		}
		if ch.terminal[ev.Name] {
			finish()
		}
		return nil
	})
	defer unsubscribe()

	r.bus.Publish(ch.key, events.Connected, events.Message{Message: ch.connected})
	if ch.start != nil {
		if err := ch.start(); err != nil {
			r.logger.Warn("live channel start failed", "key", ch.key, "error", err)
			_ = sink.Send(events.DeploymentFailed, events.Message{Message: err.Error()})
			return
		}
	}

	timeout := time.NewTimer(ch.timeout)
	defer timeout.Stop()
	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-finished:
			return
		case <-timeout.C:
			r.logger.Info("live channel timed out", "key", ch.key, "timeout", ch.timeout.String())
			return
		case <-heartbeat.C:
			if err := sink.Heartbeat(); err != nil {
				return
			}
		}
	}
}
