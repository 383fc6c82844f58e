package walletlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// TransportState is the lifecycle state of the physical connection.
type TransportState int

const (
	TransportClosed TransportState = iota
	TransportConnecting
	TransportOpen
)

func (s TransportState) String() string {
	switch s {
	case TransportClosed:
		return "closed"
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	}

	return fmt.Sprintf("TransportState(%d)", int(s))
}

// transportEvents receives notifications from the transport. Every call
// carries the connection generation it belongs to. A generation is
// allocated per connect attempt and receives at most one closed
// notification, including attempts whose dial failed.
type transportEvents interface {
	transportOpened(gen uint64)
	transportClosed(gen uint64)
	heartbeatReceived(gen uint64)
	messageReceived(gen uint64, msg ServerMessage)
}

// Transport owns one physical duplex connection at a time. It never
// interprets message semantics: it queues frames while closed, flushes
// them on open, and reports raw inbound traffic to its owner.
type Transport struct {
	url    string
	dial   dialFunc
	events transportEvents
	logger *slog.Logger

	// base bounds the lifetime of every connection generation and of
	// connects started as a side effect of Send.
	base context.Context

	mu      sync.Mutex
	state   TransportState
	gen     uint64
	conn    wsConn
	cancel  context.CancelFunc
	pending [][]byte
}

func newTransport(base context.Context, url string, dial dialFunc, events transportEvents, logger *slog.Logger) *Transport {
	return &Transport{
		url:    url,
		dial:   dial,
		events: events,
		logger: logger,
		base:   base,
	}
}

// State reports the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Pending reports how many frames are queued for the next open.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Connect dials a new connection generation. It fails with
// ErrAlreadyConnected while a connection is open or being dialed. ctx
// bounds the dial only; the connection itself lives until Disconnect,
// a read failure, or cancellation of the transport's base context.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != TransportClosed {
		t.mu.Unlock()
		return errs.ErrAlreadyConnected
	}

	t.gen++
	gen := t.gen
	t.state = TransportConnecting

	connCtx, connCancel := context.WithCancel(t.base)
	t.cancel = connCancel
	t.mu.Unlock()

	dialCtx, dialCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, dialCancel)
	conn, err := t.dial(dialCtx, t.url)
	stop()
	dialCancel()

	t.mu.Lock()

	if t.gen != gen || t.state != TransportConnecting {
		// Disconnect ran while dialing and already notified the owner.
		t.mu.Unlock()

		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "disconnected")
		}

		return fmt.Errorf("connection closed while dialing")
	}

	if err != nil {
		t.state = TransportClosed
		t.cancel = nil
		t.mu.Unlock()
		connCancel()

		t.logger.Debug("dial failed", slog.String("url", t.url), slog.String("error", err.Error()))
		t.events.transportClosed(gen)

		return err
	}

	t.conn = conn
	t.state = TransportOpen

	if err := t.flushLocked(); err != nil {
		t.closeLocked()
		t.mu.Unlock()

		conn.Close(websocket.StatusInternalError, "flush failed")
		connCancel()
		t.events.transportClosed(gen)

		return fmt.Errorf("flushing queued frames: %w", err)
	}

	t.mu.Unlock()

	t.logger.Debug("transport open", slog.String("url", t.url), slog.Uint64("generation", gen))
	t.events.transportOpened(gen)

	go t.readLoop(connCtx, conn, gen)

	return nil
}

// flushLocked writes queued frames in FIFO order. On a write failure the
// unsent frames, including the failed one, stay queued.
func (t *Transport) flushLocked() error {
	for len(t.pending) > 0 {
		if err := t.writeLocked(t.pending[0]); err != nil {
			return err
		}

		t.pending = t.pending[1:]
	}

	t.pending = nil

	return nil
}

func (t *Transport) writeLocked(frame []byte) error {
	ctx, cancel := context.WithTimeout(t.base, writeTimeout)
	defer cancel()

	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// closeLocked marks the current generation closed. The caller closes the
// old conn and notifies the owner after releasing the lock.
func (t *Transport) closeLocked() {
	t.state = TransportClosed
	t.conn = nil
	t.cancel = nil
}

// Send transmits frame when the connection is open. Otherwise the frame
// is queued and, if nothing is connecting yet, a connect is started in
// the background. A write failure tears the connection down and keeps
// the frame queued for the next generation.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()

	if t.state == TransportOpen {
		err := t.writeLocked(frame)
		if err == nil {
			t.mu.Unlock()
			return nil
		}

		t.pending = append([][]byte{frame}, t.pending...)
		t.abortWriteLocked(err)

		return nil
	}

	t.pending = append(t.pending, frame)
	start := t.state == TransportClosed && t.base.Err() == nil
	t.mu.Unlock()

	if start {
		go t.connectQueued()
	}

	return nil
}

func (t *Transport) connectQueued() {
	if err := t.Connect(t.base); err != nil && !errors.Is(err, errs.ErrAlreadyConnected) {
		t.logger.Debug("connect for queued frames failed", slog.String("error", err.Error()))
	}
}

// sendIfOpen writes frame only when generation gen is open and reports
// whether it was written. Used for heartbeats and the handshake, which
// must never queue or leak into a later generation.
func (t *Transport) sendIfOpen(gen uint64, frame []byte) (bool, error) {
	t.mu.Lock()
	if t.state != TransportOpen || t.gen != gen {
		t.mu.Unlock()
		return false, nil
	}

	if err := t.writeLocked(frame); err != nil {
		t.abortWriteLocked(err)
		return false, fmt.Errorf("writing frame: %w", err)
	}

	t.mu.Unlock()

	return true, nil
}

// abortWriteLocked closes the open generation after a failed write and
// releases t.mu.
func (t *Transport) abortWriteLocked(err error) {
	gen, conn, cancel := t.gen, t.conn, t.cancel
	t.closeLocked()
	t.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusInternalError, "write failed")

	t.logger.Debug("write failed", slog.Uint64("generation", gen), slog.String("error", err.Error()))
	t.events.transportClosed(gen)
}

// Disconnect closes the current connection, or aborts an in-flight dial.
// It is a no-op when already closed.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	t.closeGeneration(gen, "disconnect requested")
}

// closeGeneration is the single teardown path for a generation. Read
// failures, heartbeat kills and explicit disconnects all converge here,
// so the owner is notified exactly once.
func (t *Transport) closeGeneration(gen uint64, reason string) {
	t.mu.Lock()
	if t.gen != gen || t.state == TransportClosed {
		t.mu.Unlock()
		return
	}

	conn, cancel := t.conn, t.cancel
	t.closeLocked()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}

	t.logger.Debug("transport closed", slog.Uint64("generation", gen), slog.String("reason", reason))
	t.events.transportClosed(gen)
}

// readLoop reads frames for one generation. It captures conn and gen by
// value, so a superseded generation can only ever tear itself down.
func (t *Transport) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.closeGeneration(gen, "read failed: "+err.Error())
			return
		}

		if typ != websocket.MessageText {
			t.logger.Debug("dropping binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if string(data) == heartbeatFrame {
			t.events.heartbeatReceived(gen)
			continue
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			t.logger.Debug("dropping malformed frame",
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)

			continue
		}

		t.events.messageReceived(gen, msg)
	}
}
