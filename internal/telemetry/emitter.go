package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	telemetryEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Subsystem: "telemetry",
		Name:      "emit_total",
		Help:      "Total telemetry emit attempts by event type.",
	}, []string{"event_type"})

	telemetryDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Subsystem: "telemetry",
		Name:      "dropped_total",
		Help:      "Total telemetry events dropped because the emitter was not connected.",
	}, []string{"event_type"})

	telemetryReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "connector",
		Subsystem: "telemetry",
		Name:      "reconnects_total",
		Help:      "Total telemetry socket reconnection attempts.",
	})
)

func init() {
	prometheus.MustRegister(telemetryEmitTotal, telemetryDroppedTotal, telemetryReconnectsTotal)
}

// State is the emitter's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	initialBackoff = time.Second
	maxBackoff     = 16 * time.Second
	writeDeadline  = 5 * time.Second
)

var errNotConnected = errors.New("telemetry: not connected")

// Emitter holds a single long-lived websocket connection to an external
// observability endpoint. Events are dropped and logged at debug when
// disconnected, without blocking. While connected, an unbuffered emit
// writes the event on the caller's goroutine (bounded by a 5s write
// deadline); a buffered emit hands it to a Buffer, and the emit that
// fills a batch sends that batch on the caller's goroutine.
// Disconnects the user did not request schedule a reconnect with
// exponential backoff from 1s up to a 16s ceiling; a user-initiated
// Disconnect suppresses that reconnect.
type Emitter struct {
	nodeID string
	url    string
	logger *slog.Logger
	buf    *Buffer

	mu          sync.RWMutex
	conn        *websocket.Conn
	state       State
	intentional bool

	writeMu sync.Mutex

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewEmitter creates an Emitter for nodeID against the given websocket
// URL. When buffered is true, events are accumulated by an internal
// Buffer (flushed every bufferSize events or flushInterval, whichever
// first) and sent as a single batch envelope; otherwise each event is
// written to the socket as it is emitted.
func NewEmitter(nodeID, url string, logger *slog.Logger, buffered bool, bufferSize int, flushInterval time.Duration) *Emitter {
	e := &Emitter{
		nodeID:  nodeID,
		url:     url,
		logger:  logger,
		state:   Disconnected,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if buffered {
		e.buf = NewBuffer(e.sendBatch, bufferSize, flushInterval, logger)
	}
	return e
}

// Connect dials the telemetry endpoint and returns once the connection
// is open.
func (e *Emitter) Connect(ctx context.Context) error {
	e.setState(Connecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.url, nil)
	if err != nil {
		e.setState(Disconnected)
		return fmt.Errorf("telemetry: connect: %w", err)
	}
	e.adopt(conn)
	go e.readPump(conn)
	return nil
}

func (e *Emitter) adopt(conn *websocket.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.state = Connected
	e.mu.Unlock()
}

// readPump's only job is to detect the socket going away; telemetry is
// one-directional, so inbound frames (if any) are discarded.
func (e *Emitter) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			e.handleDisconnect(conn)
			return
		}
	}
}

// handleDisconnect marks the socket as gone and, unless the user asked
// for this disconnect, starts the backoff reconnect loop.
func (e *Emitter) handleDisconnect(conn *websocket.Conn) {
	e.mu.Lock()
	if e.conn != conn {
		// Already superseded by a newer connection; nothing to do.
		e.mu.Unlock()
		return
	}
	_ = e.conn.Close()
	e.conn = nil
	intentional := e.intentional
	if !intentional {
		e.state = Disconnected
	}
	e.mu.Unlock()

	if intentional {
		return
	}
	e.logger.Warn("telemetry connection lost, reconnecting")
	go e.reconnectLoop()
}

func (e *Emitter) reconnectLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-e.stop:
			return
		case <-time.After(backoff):
		}

		e.mu.RLock()
		intentional := e.intentional
		e.mu.RUnlock()
		if intentional {
			return
		}

		telemetryReconnectsTotal.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
		err := e.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		e.logger.Debug("telemetry reconnect attempt failed", "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Disconnect closes the socket and suppresses any future automatic
// reconnect. Safe to call more than once.
func (e *Emitter) Disconnect() {
	e.once.Do(func() {
		close(e.stop)
		e.mu.Lock()
		e.intentional = true
		e.state = Closing
		conn := e.conn
		e.conn = nil
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		e.mu.Lock()
		e.state = Disconnected
		e.mu.Unlock()
		close(e.stopped)
	})
}

// Close flushes any buffered events and disconnects.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	if e.buf != nil {
		err = e.buf.Close(ctx)
	}
	e.Disconnect()
	return err
}

func (e *Emitter) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == Connected && e.conn != nil
}

// IsConnected reports whether the emitter currently holds a live
// websocket connection. A disabled emitter (constructed with an empty
// endpoint) always reports false.
func (e *Emitter) IsConnected() bool {
	return e.isConnected()
}

// Emit publishes a typed event. When the socket is down the event is
// dropped and logged at debug without blocking; when it is up, Emit may
// wait on the socket write as described on Emitter.
func (e *Emitter) Emit(eventType string, data map[string]any) {
	if !e.isConnected() {
		telemetryDroppedTotal.WithLabelValues(eventType).Inc()
		e.logger.Debug("telemetry event dropped, not connected", "type", eventType)
		return
	}

	telemetryEmitTotal.WithLabelValues(eventType).Inc()
	evt := Event{Type: eventType, NodeID: e.nodeID, Timestamp: time.Now(), Data: data}

	if e.buf != nil {
		e.buf.Enqueue(evt)
		return
	}
	if err := e.sendSingle(evt); err != nil {
		e.logger.Debug("telemetry send failed", "type", eventType, "error", err)
	}
}

type wireEnvelope struct {
	Type      string         `json:"type"`
	NodeID    string         `json:"nodeId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"-"`
}

// MarshalJSON flattens Data's keys alongside the envelope's own fields,
// matching the wire shape: {"type":..., "nodeId":..., "timestamp":..., ...payload}.
func (w wireEnvelope) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"type":      w.Type,
		"nodeId":    w.NodeID,
		"timestamp": w.Timestamp.Format(time.RFC3339),
	}
	for k, v := range w.Data {
		out[k] = v
	}
	return json.Marshal(out)
}

func (e *Emitter) sendSingle(evt Event) error {
	return e.writeJSON(wireEnvelope{Type: evt.Type, NodeID: evt.NodeID, Timestamp: evt.Timestamp, Data: evt.Data})
}

// sendBatch is the Buffer's FlushFunc: it wraps the whole batch in a
// single envelope per the telemetry wire format.
func (e *Emitter) sendBatch(_ context.Context, events []Event) error {
	envelopes := make([]wireEnvelope, len(events))
	for i, evt := range events {
		envelopes[i] = wireEnvelope{Type: evt.Type, NodeID: evt.NodeID, Timestamp: evt.Timestamp, Data: evt.Data}
	}
	return e.writeJSON(struct {
		Batch []wireEnvelope `json:"batch"`
	}{Batch: envelopes})
}

func (e *Emitter) writeJSON(v any) error {
	e.mu.RLock()
	conn := e.conn
	connected := e.state == Connected
	e.mu.RUnlock()
	if !connected || conn == nil {
		return errNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(v); err != nil {
		go e.handleDisconnect(conn)
		return err
	}
	return nil
}
