package walletlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// fakeConn is an in-memory relay connection. Frames pushed by the test
// are returned from Read; frames written by the engine are recorded. It
// echoes heartbeats unless echo is disabled.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	echo     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		echo:    true,
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	f.written = append(f.written, append([]byte(nil), p...))

	if f.echo && string(p) == heartbeatFrame {
		select {
		case f.inbound <- []byte(heartbeatFrame):
		default:
		}
	}

	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the relay closing the connection.
func (f *fakeConn) drop() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) setEcho(v bool) {
	f.mu.Lock()
	f.echo = v
	f.mu.Unlock()
}

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// push delivers a server message or raw frame to the engine.
func (f *fakeConn) push(t *testing.T, msg any) {
	t.Helper()

	var data []byte

	switch v := msg.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}

	f.inbound <- data
}

// sent returns every non-heartbeat frame written, decoded.
func (f *fakeConn) sent(t *testing.T) []map[string]any {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any

	for _, frame := range f.written {
		if string(frame) == heartbeatFrame {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m))
		out = append(out, m)
	}

	return out
}

// sentTypes returns the type of every non-heartbeat frame written.
func (f *fakeConn) sentTypes(t *testing.T) []string {
	t.Helper()

	var types []string
	for _, m := range f.sent(t) {
		types = append(types, m["type"].(string))
	}

	return types
}

// lastOfType returns the most recent frame of the given type.
func (f *fakeConn) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()

	msgs := f.sent(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == typ {
			return msgs[i]
		}
	}

	t.Fatalf("no %s frame sent; sent %v", typ, f.sentTypes(t))

	return nil
}

func (f *fakeConn) heartbeats() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, frame := range f.written {
		if string(frame) == heartbeatFrame {
			n++
		}
	}

	return n
}

func frameID(m map[string]any) int {
	return int(m["id"].(float64))
}

// fakeDialer hands out fakeConns and can be told to fail dials.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  int
	dials int
	urls  []string
}

func (d *fakeDialer) dial(_ context.Context, url string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.urls = append(d.urls, url)

	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.conns)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()

	require.NotEmpty(t, d.conns, "no connection dialed")

	return d.conns[len(d.conns)-1]
}

// fakeCipher wraps plaintext as enc(...). Values without the wrapper,
// or wrapping "bad", fail to decrypt.
type fakeCipher struct{}

func (fakeCipher) Encrypt(plaintext string) (string, error) {
	return "enc(" + plaintext + ")", nil
}

func (fakeCipher) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc(") || !strings.HasSuffix(ciphertext, ")") {
		return "", fmt.Errorf("%w: not enc()", errs.ErrDecrypt)
	}

	plain := ciphertext[len("enc(") : len(ciphertext)-1]
	if plain == "bad" {
		return "", fmt.Errorf("%w: bad payload", errs.ErrDecrypt)
	}

	return plain, nil
}

// recordingListener records every event as a short string.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recordingListener) LinkedUpdated(v bool) { r.record("linked:%t", v) }
func (r *recordingListener) ConnectedUpdated(v bool) { r.record("connected:%t", v) }
func (r *recordingListener) AccountUpdated(a string) { r.record("account:%s", a) }
func (r *recordingListener) ChainUpdated(id, url string) { r.record("chain:%s,%s", id, url) }
func (r *recordingListener) MetadataUpdated(k, v string) { r.record("metadata:%s=%s", k, v) }
func (r *recordingListener) ResetAndReload() { r.record("reset") }
func (r *recordingListener) Web3Response(p json.RawMessage) {
	r.record("web3:%s", string(p))
}

func (r *recordingListener) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *recordingListener) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// fakeFetcher returns canned unseen events and counts calls. Queued
// failures are returned first, one per call.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	events   []ServerMessage
	err      error
	failures []error
}

func (f *fakeFetcher) FetchUnseenEvents(_ context.Context, _, _ string) ([]ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]

		return nil, err
	}

	return f.events, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

var testSession = Session{ID: "s1", Key: "k1", Secret: "sec"}

type testEngine struct {
	*Connection
	dialer   *fakeDialer
	listener *recordingListener
	fetcher  *fakeFetcher
}

// newTestEngine builds a Connection wired to fakes. mutate may adjust
// the config before construction. Destroy is registered for cleanup.
func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()

	te := &testEngine{
		dialer:   &fakeDialer{},
		listener: &recordingListener{},
		fetcher:  &fakeFetcher{},
	}

	cfg := Config{
		URL:              "wss://relay.test/rpc",
		Session:          testSession,
		Cipher:           fakeCipher{},
		Listener:         te.listener,
		Fetcher:          te.fetcher,
		Environment:      Environment{Origin: "https://dapp.test", RelaySource: RelaySourceSDK},
		UnseenFetchDelay: DefaultUnseenFetchDelay,
		Logger:           slog.New(slog.DiscardHandler),
		dial:             te.dialer.dial,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewConnection(cfg)
	require.NoError(t, err)

	te.Connection = c
	t.Cleanup(c.Destroy)

	return te
}

// answerHostSession replies to the latest HostSession on conn with typ.
func answerHostSession(t *testing.T, conn *fakeConn, typ string) {
	t.Helper()

	host := conn.lastOfType(t, TypeHostSession)
	conn.push(t, map[string]any{"type": typ, "id": frameID(host), "sessionId": testSession.ID})
}

// connectAndHandshake connects, completes the handshake with an OK and
// returns the live connection. Must run inside a synctest bubble.
func (te *testEngine) connectAndHandshake(t *testing.T) *fakeConn {
	t.Helper()

	require.NoError(t, te.Connect(t.Context()))
	waitIdle()

	conn := te.dialer.last(t)
	answerHostSession(t, conn, TypeOK)
	waitIdle()

	require.True(t, te.Connected(), "handshake should complete")

	return conn
}

// link marks the session linked through an IsLinkedOK push.
func (te *testEngine) link(t *testing.T, conn *fakeConn) {
	t.Helper()

	conn.push(t, map[string]any{"type": TypeIsLinkedOK, "id": 0, "linked": true, "onlineGuests": 1})
	waitIdle()
	require.True(t, te.Linked())
}

// waitIdle blocks until every other goroutine in the bubble is durably
// blocked.
func waitIdle() {
	synctest.Wait()
}
