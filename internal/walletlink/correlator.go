package walletlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// defaultRequestTimeout bounds how long a request waits for its reply.
const defaultRequestTimeout = 60 * time.Second

// Request outcomes reported to metrics.
const (
	outcomeOK        = "ok"
	outcomeFail      = "fail"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeDestroyed = "destroyed"
)

type requestResult struct {
	reply ServerMessage
	err   error
}

// pendingRequest is one outstanding id-correlated request.
type pendingRequest struct {
	id       int
	msgType  string
	issuedAt time.Time
	timer    *time.Timer
	// done is buffered so the single resolution never blocks.
	done chan requestResult
}

// correlator matches inbound replies to outstanding requests by id. Each
// pending request resolves exactly once: reply, timeout, caller
// cancellation or teardown, whichever happens first.
type correlator struct {
	timeout time.Duration
	observe func(msgType, outcome string)

	mu      sync.Mutex
	lastID  int
	pending map[int]*pendingRequest
}

func newCorrelator(timeout time.Duration, observe func(msgType, outcome string)) *correlator {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	if observe == nil {
		observe = func(string, string) {}
	}

	return &correlator{
		timeout: timeout,
		observe: observe,
		pending: make(map[int]*pendingRequest),
	}
}

// nextID allocates an id without registering a pending request. Used for
// fire-and-forget messages whose replies are consumed as pushes.
func (r *correlator) nextID() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++

	return r.lastID
}

// issue allocates the next id, builds the message with it, registers the
// pending request and hands the message to send. A send error removes
// the registration.
func (r *correlator) issue(build func(id int) ClientMessage, send func(ClientMessage) error) (*pendingRequest, error) {
	r.mu.Lock()
	r.lastID++
	id := r.lastID
	msg := build(id)

	p := &pendingRequest{
		id:       id,
		msgType:  msg.MessageType(),
		issuedAt: time.Now(),
		done:     make(chan requestResult, 1),
	}
	r.pending[id] = p
	p.timer = time.AfterFunc(r.timeout, func() {
		r.finish(id, requestResult{err: fmt.Errorf("%w: %s %d", errs.ErrRequestTimeout, p.msgType, id)}, outcomeTimeout)
	})
	r.mu.Unlock()

	if err := send(msg); err != nil {
		r.finish(id, requestResult{err: err}, outcomeCancelled)
		return nil, err
	}

	return p, nil
}

// resolve fulfils the pending request for id. Replies for unknown,
// already resolved or timed out ids are dropped and resolve reports false.
func (r *correlator) resolve(id int, reply ServerMessage) bool {
	outcome := outcomeOK
	if reply.Type == TypeFail {
		outcome = outcomeFail
	}

	return r.finish(id, requestResult{reply: reply}, outcome)
}

func (r *correlator) finish(id int, res requestResult, outcome string) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	delete(r.pending, id)
	r.mu.Unlock()

	p.timer.Stop()
	p.done <- res
	r.observe(p.msgType, outcome)

	return true
}

// wait blocks until p resolves or ctx is done. Cancelling ctx resolves
// the request, so a reply arriving later is dropped.
func (r *correlator) wait(ctx context.Context, p *pendingRequest) (ServerMessage, error) {
	select {
	case res := <-p.done:
		return res.reply, res.err
	case <-ctx.Done():
		if r.finish(p.id, requestResult{err: ctx.Err()}, outcomeCancelled) {
			return ServerMessage{}, ctx.Err()
		}

		// Lost the race to another resolution; report that one.
		res := <-p.done

		return res.reply, res.err
	}
}

// failAll resolves every outstanding request with err.
func (r *correlator) failAll(err error) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	outcome := outcomeCancelled
	if errors.Is(err, errs.ErrDestroyed) {
		outcome = outcomeDestroyed
	}

	for _, id := range ids {
		r.finish(id, requestResult{err: err}, outcome)
	}
}

// outstanding reports how many requests await a reply.
func (r *correlator) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}
