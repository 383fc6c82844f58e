package walletlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// DefaultUnseenFetchDelay is the pause before fetching missed events on
// an established connection.
const DefaultUnseenFetchDelay = 250 * time.Millisecond

// unseenRetryDelay is the pause before retrying a transient unseen
// events fetch.
const unseenRetryDelay = time.Second

// Default reasons reported when the relay fails a request without one.
const (
	reasonSetMetadata  = "failed to set session metadata"
	reasonPublishEvent = "failed to publish event"
)

// Config configures a Connection. Zero durations and a nil policy take
// the defaults, except UnseenFetchDelay where zero means no delay.
type Config struct {
	// URL is the relay RPC websocket endpoint.
	URL string

	Session     Session
	Cipher      Cipher
	Listener    Listener
	Fetcher     EventFetcher
	Environment Environment

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	UnseenFetchDelay  time.Duration
	ReconnectPolicy   ReconnectPolicy

	Metrics *Metrics
	Logger  *slog.Logger

	// dial replaces the websocket dialer in tests.
	dial dialFunc
}

// Connection keeps one authenticated session with the relay alive. It
// runs the handshake on every new connection, reconnects after faults,
// correlates requests with replies and turns pushed session metadata
// into listener events. All methods are safe for concurrent use.
type Connection struct {
	session    Session
	cipher     Cipher
	fetcher    EventFetcher
	env        Environment
	logger     *slog.Logger
	metrics    *Metrics
	interval   time.Duration
	fetchDelay time.Duration

	// ctx is the engine lifetime. Destroy cancels it, which stops every
	// timer and goroutine the engine started.
	ctx    context.Context
	cancel context.CancelFunc

	transport *Transport
	requests  *correlator
	reconnect *reconnector
	metadata  *synchronizer

	mu            sync.Mutex
	listener      Listener
	destroyed     bool
	openGen       uint64
	watchdog      *watchdog
	stopHeartbeat context.CancelFunc
	connected     bool
	linked        bool
	fetchDeferred bool
	whenConnected readyQueue
	whenLinked    readyQueue
}

// NewConnection creates an engine for cfg. Nothing is dialed until
// Connect or the first send.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}

	if cfg.Cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.ReconnectPolicy == nil {
		cfg.ReconnectPolicy = FixedDelay(defaultReconnectDelay)
	}

	if cfg.dial == nil {
		cfg.dial = dialWebSocket
	}

	logger := cfg.Logger.With(slog.String("session_id", cfg.Session.ID))
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		session:    cfg.Session,
		cipher:     cfg.Cipher,
		fetcher:    cfg.Fetcher,
		env:        cfg.Environment,
		logger:     logger,
		metrics:    cfg.Metrics,
		interval:   cfg.HeartbeatInterval,
		fetchDelay: cfg.UnseenFetchDelay,
		ctx:        ctx,
		cancel:     cancel,
		listener:   cfg.Listener,
		requests:   newCorrelator(cfg.RequestTimeout, cfg.Metrics.request),
		metadata: &synchronizer{
			cipher:  cfg.Cipher,
			logger:  logger,
			metrics: cfg.Metrics,
		},
	}

	c.transport = newTransport(ctx, cfg.URL, cfg.dial, c, logger)
	c.reconnect = &reconnector{
		policy:  cfg.ReconnectPolicy,
		logger:  logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		active:  c.active,
		connect: c.transport.Connect,
	}

	return c, nil
}

func (c *Connection) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.destroyed
}

// Connected reports whether the handshake has completed on the current
// connection.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Linked reports whether the relay says a wallet is paired.
func (c *Connection) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.linked
}

// Destroyed reports whether Destroy has been called.
func (c *Connection) Destroyed() bool {
	return !c.active()
}

// currentListener returns the listener, or a no-op once destroyed.
func (c *Connection) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener == nil {
		return NopListener{}
	}

	return c.listener
}

// Connect opens the connection. It fails with ErrDestroyed after Destroy
// and with ErrAlreadyConnected while a connection is open or dialing.
// Dial faults are not returned: they are logged and retried.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.active() {
		return errs.ErrDestroyed
	}

	err := c.transport.Connect(ctx)
	if errors.Is(err, errs.ErrAlreadyConnected) {
		return err
	}

	if err != nil {
		c.logger.Warn("connecting to relay", slog.String("error", err.Error()))
	}

	return nil
}

// Destroy tears the engine down for good. Queued operations and pending
// requests fail with ErrDestroyed and the listener receives no further
// events. Safe to call more than once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.destroyed = true
	c.listener = nil
	c.connected = false
	c.linked = false
	c.fetchDeferred = false
	c.stopHeartbeatLocked()
	connected := c.whenConnected.fail()
	linked := c.whenLinked.fail()
	c.mu.Unlock()

	c.cancel()
	c.reconnect.stop()
	c.transport.Disconnect()

	for _, fn := range connected {
		fn(errs.ErrDestroyed)
	}

	for _, fn := range linked {
		fn(errs.ErrDestroyed)
	}

	c.requests.failAll(errs.ErrDestroyed)
	c.metrics.setConnected(false)
	c.metrics.setLinked(false)

	c.logger.Info("connection destroyed")
}

func (c *Connection) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}

	c.watchdog = nil
}

// SetSessionMetadata stores a metadata value on the relay once the
// handshake has completed. The value is sent as given; callers encrypt
// it when the key requires it.
func (c *Connection) SetSessionMetadata(ctx context.Context, key, value string) error {
	reply, err := c.requestWhen(ctx, &c.whenConnected, func(id int) ClientMessage {
		return SetSessionConfigMessage{
			Type:      TypeSetSessionConfig,
			ID:        id,
			SessionID: c.session.ID,
			Metadata:  map[string]string{key: value},
		}
	})
	if err != nil {
		return fmt.Errorf("setting session metadata %s: %w", key, err)
	}

	if reply.Type == TypeFail {
		return failedRequest(reply, reasonSetMetadata)
	}

	return nil
}

// PublishEvent encrypts data, merged with the environment context, and
// publishes it to the paired wallet once linked. It returns the event id
// the relay assigned.
func (c *Connection) PublishEvent(ctx context.Context, event string, data map[string]any, callWebhook bool) (string, error) {
	payload, err := json.Marshal(c.env.merge(data))
	if err != nil {
		return "", fmt.Errorf("marshalling %s payload: %w", event, err)
	}

	encrypted, err := c.cipher.Encrypt(string(payload))
	if err != nil {
		return "", fmt.Errorf("encrypting %s payload: %w", event, err)
	}

	reply, err := c.requestWhen(ctx, &c.whenLinked, func(id int) ClientMessage {
		return PublishEventMessage{
			Type:        TypePublishEvent,
			ID:          id,
			SessionID:   c.session.ID,
			Event:       event,
			Data:        encrypted,
			CallWebhook: callWebhook,
		}
	})
	if err != nil {
		return "", fmt.Errorf("publishing %s: %w", event, err)
	}

	switch reply.Type {
	case TypePublishEventOK:
		return reply.EventID, nil
	case TypeFail:
		return "", failedRequest(reply, reasonPublishEvent)
	}

	return "", fmt.Errorf("%w: unexpected %s reply to %s", errs.ErrRequestFailed, reply.Type, TypePublishEvent)
}

func failedRequest(reply ServerMessage, fallback string) error {
	reason := reply.Error
	if reason == "" {
		reason = fallback
	}

	return fmt.Errorf("%w: %s", errs.ErrRequestFailed, reason)
}

// CheckUnseenEvents fetches events published while offline. When not
// connected the fetch is deferred until the next handshake completes.
func (c *Connection) CheckUnseenEvents(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errs.ErrDestroyed
	}

	if !c.connected {
		c.fetchDeferred = true
		c.mu.Unlock()

		return nil
	}
	c.mu.Unlock()

	if c.fetchDelay > 0 {
		timer := time.NewTimer(c.fetchDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return errs.ErrDestroyed
		}
	}

	return c.fetchUnseen(ctx)
}

// fetchUnseen pulls missed events over HTTP and feeds them through the
// live dispatch path. Duplicates of events already seen live are
// possible. A transient failure is retried once after unseenRetryDelay.
func (c *Connection) fetchUnseen(ctx context.Context) error {
	if c.fetcher == nil {
		return nil
	}

	events, err := c.fetcher.FetchUnseenEvents(ctx, c.session.ID, c.session.Key)
	if IsTransient(err) {
		c.logger.Debug("retrying unseen events fetch", slog.String("error", err.Error()))

		timer := time.NewTimer(unseenRetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		events, err = c.fetcher.FetchUnseenEvents(ctx, c.session.ID, c.session.Key)
	}

	if err != nil {
		return fmt.Errorf("fetching unseen events: %w", err)
	}

	c.logger.Debug("fetched unseen events", slog.Int("count", len(events)))

	for _, ev := range events {
		c.handleMessage(ev)
	}

	return nil
}

type requestStart struct {
	p   *pendingRequest
	err error
}

// requestWhen issues a request once q's condition holds and waits for
// its reply. If ctx ends first the queued continuation becomes a no-op,
// and a request it already issued is resolved as cancelled.
func (c *Connection) requestWhen(ctx context.Context, q *readyQueue, build func(id int) ClientMessage) (ServerMessage, error) {
	started := make(chan requestStart, 1)

	var (
		startMu   sync.Mutex
		abandoned bool
	)

	run := func(err error) {
		if err == nil {
			err = ctx.Err()
		}

		var p *pendingRequest
		if err == nil {
			p, err = c.requests.issue(build, c.sendMessage)
		}

		startMu.Lock()
		defer startMu.Unlock()

		if abandoned {
			c.cancelStarted(ctx, p)
			return
		}

		started <- requestStart{p: p, err: err}
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ServerMessage{}, errs.ErrDestroyed
	}

	now := q.add(run)
	c.mu.Unlock()

	if now {
		run(nil)
	}

	var s requestStart
	select {
	case s = <-started:
	case <-ctx.Done():
		startMu.Lock()
		abandoned = true
		startMu.Unlock()

		select {
		case s = <-started:
			c.cancelStarted(ctx, s.p)
		default:
		}

		return ServerMessage{}, ctx.Err()
	}

	if s.err != nil {
		return ServerMessage{}, s.err
	}

	return c.requests.wait(ctx, s.p)
}

// cancelStarted resolves p, if it was issued, with ctx's error.
func (c *Connection) cancelStarted(ctx context.Context, p *pendingRequest) {
	if p != nil {
		c.requests.finish(p.id, requestResult{err: ctx.Err()}, outcomeCancelled)
	}
}

// drain runs q's continuations in registration order while its
// condition holds, including ones registered during the drain.
func (c *Connection) drain(q *readyQueue) {
	for {
		c.mu.Lock()
		batch := q.take()
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, fn := range batch {
			fn(nil)
		}
	}
}

func (c *Connection) sendMessage(msg ClientMessage) error {
	frame, err := encodeClientMessage(msg)
	if err != nil {
		return err
	}

	return c.transport.Send(frame)
}

// sendOnGeneration sends msg only while generation gen is open.
func (c *Connection) sendOnGeneration(gen uint64, msg ClientMessage) error {
	frame, err := encodeClientMessage(msg)
	if err != nil {
		return err
	}

	sent, err := c.transport.sendIfOpen(gen, frame)
	if err != nil {
		return err
	}

	if !sent {
		return fmt.Errorf("connection generation %d is no longer open", gen)
	}

	return nil
}

func (c *Connection) transportOpened(gen uint64) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.stopHeartbeatLocked()
	c.openGen = gen

	// genCtx ends when this generation closes or the engine is destroyed.
	wd := newWatchdog(c.interval, c.logger)
	genCtx, stop := context.WithCancel(c.ctx)
	c.watchdog = wd
	c.stopHeartbeat = stop
	c.mu.Unlock()

	c.reconnect.reset()
	c.logger.Info("connected to relay", slog.Uint64("generation", gen))

	go wd.run(genCtx,
		func() (bool, error) {
			return c.transport.sendIfOpen(gen, []byte(heartbeatFrame))
		},
		func() {
			c.metrics.heartbeatTimeout()
			c.transport.closeGeneration(gen, "heartbeat timeout")
		},
	)

	go c.handshake(genCtx, gen)
}

// handshake authenticates generation gen, asks for link status and the
// metadata snapshot, then marks the session connected. An
// authentication failure is logged and the session carries on
// unauthenticated.
func (c *Connection) handshake(ctx context.Context, gen uint64) {
	p, err := c.requests.issue(func(id int) ClientMessage {
		return newHostSession(id, c.session)
	}, func(msg ClientMessage) error {
		return c.sendOnGeneration(gen, msg)
	})
	if err == nil {
		var reply ServerMessage

		reply, err = c.requests.wait(ctx, p)
		if err == nil && reply.Type == TypeFail {
			err = failedRequest(reply, "authentication rejected")
		}
	}

	if ctx.Err() != nil {
		return
	}

	if err != nil {
		c.logger.Warn("authenticating session", slog.String("error", err.Error()))
	}

	for _, msg := range []ClientMessage{
		newIsLinked(c.requests.nextID(), c.session.ID),
		newGetSessionConfig(c.requests.nextID(), c.session.ID),
	} {
		if err := c.sendOnGeneration(gen, msg); err != nil {
			c.logger.Debug("sending handshake query",
				slog.String("type", msg.MessageType()),
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	if c.destroyed || c.openGen != gen {
		c.mu.Unlock()
		return
	}

	changed := !c.connected
	c.connected = true
	c.whenConnected.open()
	fetch := c.fetchDeferred
	c.fetchDeferred = false
	listener := c.listener
	c.mu.Unlock()

	if changed {
		c.metrics.setConnected(true)
		listener.ConnectedUpdated(true)
	}

	c.drain(&c.whenConnected)

	if fetch {
		if err := c.fetchUnseen(c.ctx); err != nil {
			c.logger.Warn("checking unseen events", slog.String("error", err.Error()))
		}
	}
}

func (c *Connection) transportClosed(gen uint64) {
	c.mu.Lock()

	var wasConnected, wasLinked bool

	if gen == c.openGen {
		c.openGen = 0
		c.stopHeartbeatLocked()

		wasConnected, wasLinked = c.connected, c.linked
		c.connected = false
		c.linked = false
		c.whenConnected.close()
		c.whenLinked.close()
	}

	destroyed := c.destroyed
	listener := c.listener
	c.mu.Unlock()

	if destroyed {
		return
	}

	if wasConnected {
		c.metrics.setConnected(false)
		listener.ConnectedUpdated(false)
	}

	if wasLinked {
		c.metrics.setLinked(false)
		listener.LinkedUpdated(false)
	}

	c.reconnect.schedule()
}

func (c *Connection) heartbeatReceived(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.openGen && c.watchdog != nil {
		c.watchdog.touch()
	}
}

func (c *Connection) messageReceived(gen uint64, msg ServerMessage) {
	if msg.ID != 0 && c.requests.resolve(msg.ID, msg) {
		return
	}

	c.handleMessage(msg)
}

// handleMessage dispatches pushes and replies that no request waits for.
func (c *Connection) handleMessage(msg ServerMessage) {
	switch msg.Type {
	case TypeIsLinkedOK:
		c.setLinked(msg.Linked || msg.OnlineGuests > 0)

	case TypeLinked:
		c.setLinked(msg.OnlineGuests > 0)

	case TypeGetSessionConfigOK, TypeSessionConfigUpdated:
		c.metadata.apply(msg.Metadata, c.currentListener())

	case TypeEvent:
		c.handleEvent(msg)

	default:
		c.logger.Debug("ignoring message",
			slog.String("type", msg.Type),
			slog.Int("id", msg.ID),
		)
	}
}

func (c *Connection) handleEvent(msg ServerMessage) {
	if msg.Event != EventWeb3Response {
		c.logger.Debug("ignoring event", slog.String("event", msg.Event), slog.String("event_id", msg.EventID))
		return
	}

	plain, err := c.cipher.Decrypt(msg.Data)
	if err != nil {
		c.metrics.decryptFailure(decryptSourceEvent)
		c.logger.Warn("decrypting event",
			slog.String("event_id", msg.EventID),
			slog.String("error", err.Error()),
		)

		return
	}

	if !json.Valid([]byte(plain)) {
		c.metrics.decryptFailure(decryptSourceEvent)
		c.logger.Warn("event payload is not JSON", slog.String("event_id", msg.EventID))

		return
	}

	c.currentListener().Web3Response(json.RawMessage(plain))
}

func (c *Connection) setLinked(linked bool) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	changed := c.linked != linked
	c.linked = linked

	if linked {
		c.whenLinked.open()
	} else {
		c.whenLinked.close()
	}

	listener := c.listener
	c.mu.Unlock()

	if changed {
		c.metrics.setLinked(linked)
		listener.LinkedUpdated(linked)
	}

	if linked {
		c.drain(&c.whenLinked)
	}
}
