package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/walletlink/internal/walletlink"
)

const (
	eventually = 5 * time.Second
	tick       = 10 * time.Millisecond
)

// relayRequest is the union of client to relay messages.
type relayRequest struct {
	Type        string            `json:"type"`
	ID          int               `json:"id"`
	SessionID   string            `json:"sessionId"`
	SessionKey  string            `json:"sessionKey"`
	Metadata    map[string]string `json:"metadata"`
	Event       string            `json:"event"`
	Data        string            `json:"data"`
	CallWebhook bool              `json:"callWebhook"`
}

type storedEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  string `json:"data"`
}

// relay is an in-process WalletLink relay: a websocket RPC endpoint at
// /rpc and the events API under /events. It answers heartbeats, keeps
// session metadata and records what clients publish.
type relay struct {
	t       *testing.T
	URL     string
	session walletlink.Session
	cipher  *walletlink.AESCipher

	mu        sync.Mutex
	conns     []*websocket.Conn
	hosted    int
	linked    bool
	metadata  map[string]string
	published []relayRequest
	unseen    []storedEvent
	seen      []string
	nextEvent int
}

// newRelay starts a relay for a fresh session. Metadata values are
// stored encrypted, the way wallets write them.
func newRelay(t *testing.T) *relay {
	t.Helper()

	s, err := walletlink.NewSession()
	require.NoError(t, err)

	c, err := walletlink.NewAESCipher(s.Secret)
	require.NoError(t, err)

	r := &relay{
		t:        t,
		session:  s,
		cipher:   c,
		metadata: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", r.handleRPC)
	mux.HandleFunc("GET /events", r.handleEvents)
	mux.HandleFunc("POST /events/{id}/seen", r.handleSeen)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		r.dropAll()
		ts.Close()
	})

	r.URL = ts.URL

	return r
}

func (r *relay) encrypt(plain string) string {
	r.t.Helper()
	enc, err := r.cipher.Encrypt(plain)
	require.NoError(r.t, err)
	return enc
}

func (r *relay) decrypt(enc string) string {
	r.t.Helper()
	plain, err := r.cipher.Decrypt(enc)
	require.NoError(r.t, err)
	return plain
}

func (r *relay) setLinked(linked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked = linked
}

// setMetadata stores an encrypted metadata value without notifying
// clients.
func (r *relay) setMetadata(key, plain string) {
	enc := r.encrypt(plain)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = enc
}

// holdEvent queues an encrypted event for the unseen events API.
func (r *relay) holdEvent(event, plain string) string {
	enc := r.encrypt(plain)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEvent++
	id := fmt.Sprintf("ev-%d", r.nextEvent)
	r.unseen = append(r.unseen, storedEvent{ID: id, Event: event, Data: enc})

	return id
}

func (r *relay) hostedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosted
}

func (r *relay) publishedEvents() []relayRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayRequest(nil), r.published...)
}

func (r *relay) seenEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *relay) metadataValue(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.metadata[key]
	return v, ok
}

// push sends msg to every live client connection.
func (r *relay) push(msg any) {
	r.t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(r.t, err)

	r.mu.Lock()
	conns := append([]*websocket.Conn(nil), r.conns...)
	r.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// dropAll closes every client connection, as a relay restart would.
func (r *relay) dropAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "relay restarting")
	}
}

func (r *relay) handleRPC(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	ctx := req.Context()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		if string(data) == "h" {
			_ = conn.Write(ctx, websocket.MessageText, data)
			continue
		}

		var msg relayRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		reply := r.answer(msg)
		if reply == nil {
			continue
		}

		out, err := json.Marshal(reply)
		if err != nil {
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

func (r *relay) answer(msg relayRequest) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply := map[string]any{"id": msg.ID, "sessionId": msg.SessionID}

	switch msg.Type {
	case walletlink.TypeHostSession:
		if msg.SessionID != r.session.ID || msg.SessionKey != r.session.Key {
			reply["type"] = walletlink.TypeFail
			reply["error"] = "invalid session key"
			return reply
		}

		r.hosted++
		reply["type"] = walletlink.TypeOK

	case walletlink.TypeIsLinked:
		reply["type"] = walletlink.TypeIsLinkedOK
		reply["linked"] = r.linked

		if r.linked {
			reply["onlineGuests"] = 1
		} else {
			reply["onlineGuests"] = 0
		}

	case walletlink.TypeGetSessionConfig:
		meta := make(map[string]string, len(r.metadata))
		for k, v := range r.metadata {
			meta[k] = v
		}

		reply["type"] = walletlink.TypeGetSessionConfigOK
		reply["metadata"] = meta

	case walletlink.TypeSetSessionConfig:
		for k, v := range msg.Metadata {
			r.metadata[k] = v
		}

		reply["type"] = walletlink.TypeOK

	case walletlink.TypePublishEvent:
		r.published = append(r.published, msg)
		reply["type"] = walletlink.TypePublishEventOK
		reply["eventId"] = fmt.Sprintf("pub-%d", len(r.published))

	default:
		return nil
	}

	return reply
}

func (r *relay) authorized(req *http.Request) bool {
	user, pass, ok := req.BasicAuth()
	return ok && user == r.session.ID && pass == r.session.Key
}

func (r *relay) handleEvents(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	held := append([]storedEvent{}, r.unseen...)
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events":    held,
		"timestamp": time.Now().Unix(),
	})
}

func (r *relay) handleSeen(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := req.PathValue("id")

	r.mu.Lock()
	r.seen = append(r.seen, id)

	kept := r.unseen[:0]
	for _, ev := range r.unseen {
		if ev.ID != id {
			kept = append(kept, ev)
		}
	}

	r.unseen = kept
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}`))
}

// wsURL is the relay's RPC endpoint.
func (r *relay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.URL, "http") + "/rpc"
}

// events is what a recorder has seen so far.
type events struct {
	connected []bool
	linked    []bool
	accounts  []string
	chains    [][2]string
	metadata  map[string]string
	resets    int
	web3      []string
}

// recorder is a Listener that keeps every event for assertions.
type recorder struct {
	mu sync.Mutex
	ev events
}

func newRecorder() *recorder {
	return &recorder{ev: events{metadata: make(map[string]string)}}
}

func (r *recorder) ConnectedUpdated(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.connected = append(r.ev.connected, v)
}

func (r *recorder) LinkedUpdated(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.linked = append(r.ev.linked, v)
}

func (r *recorder) AccountUpdated(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.accounts = append(r.ev.accounts, address)
}

func (r *recorder) ChainUpdated(chainID, rpcURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.chains = append(r.ev.chains, [2]string{chainID, rpcURL})
}

func (r *recorder) MetadataUpdated(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.metadata[key] = value
}

func (r *recorder) ResetAndReload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.resets++
}

func (r *recorder) Web3Response(payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.web3 = append(r.ev.web3, string(payload))
}

func (r *recorder) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := make(map[string]string, len(r.ev.metadata))
	for k, v := range r.ev.metadata {
		meta[k] = v
	}

	return events{
		connected: append([]bool(nil), r.ev.connected...),
		linked:    append([]bool(nil), r.ev.linked...),
		accounts:  append([]string(nil), r.ev.accounts...),
		chains:    append([][2]string(nil), r.ev.chains...),
		metadata:  meta,
		resets:    r.ev.resets,
		web3:      append([]string(nil), r.ev.web3...),
	}
}

// newEngine builds a Connection against r with real websockets, the real
// cipher and the real events client. Timings are shortened.
func newEngine(t *testing.T, r *relay, s walletlink.Session, l walletlink.Listener) *walletlink.Connection {
	t.Helper()

	c, err := walletlink.NewAESCipher(s.Secret)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	conn, err := walletlink.NewConnection(walletlink.Config{
		URL:      r.wsURL(),
		Session:  s,
		Cipher:   c,
		Listener: l,
		Fetcher:  walletlink.NewClient(r.URL, nil, logger),
		Environment: walletlink.Environment{
			Origin:      "https://dapp.example",
			RelaySource: walletlink.RelaySourceSDK,
		},
		HeartbeatInterval: time.Second,
		RequestTimeout:    2 * time.Second,
		ReconnectPolicy:   walletlink.FixedDelay(20 * time.Millisecond),
		Logger:            logger,
	})
	require.NoError(t, err)
	t.Cleanup(conn.Destroy)

	return conn
}

// connect starts conn and waits for the handshake to finish.
func connect(t *testing.T, conn *walletlink.Connection) {
	t.Helper()
	require.NoError(t, conn.Connect(t.Context()))
	require.Eventually(t, conn.Connected, eventually, tick)
}
