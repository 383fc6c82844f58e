package walletlink

import (
	"encoding/json"
	"sync"
)

// Dedup wraps a Listener and suppresses account, chain and metadata
// updates identical to the last one delivered. The engine itself never
// suppresses repeats. Link, connection, reset and web3 response events
// pass through unchanged.
type Dedup struct {
	next Listener

	mu       sync.Mutex
	account  *string
	chain    *[2]string
	metadata map[string]string
}

// NewDedup returns a de-duplicating wrapper around next.
func NewDedup(next Listener) *Dedup {
	return &Dedup{
		next:     next,
		metadata: make(map[string]string),
	}
}

func (d *Dedup) LinkedUpdated(linked bool) { d.next.LinkedUpdated(linked) }
func (d *Dedup) ConnectedUpdated(connected bool) { d.next.ConnectedUpdated(connected) }
func (d *Dedup) Web3Response(p json.RawMessage) { d.next.Web3Response(p) }

func (d *Dedup) AccountUpdated(address string) {
	d.mu.Lock()
	if d.account != nil && *d.account == address {
		d.mu.Unlock()
		return
	}

	d.account = &address
	d.mu.Unlock()

	d.next.AccountUpdated(address)
}

func (d *Dedup) ChainUpdated(chainID, rpcURL string) {
	v := [2]string{chainID, rpcURL}

	d.mu.Lock()
	if d.chain != nil && *d.chain == v {
		d.mu.Unlock()
		return
	}

	d.chain = &v
	d.mu.Unlock()

	d.next.ChainUpdated(chainID, rpcURL)
}

func (d *Dedup) MetadataUpdated(key, value string) {
	d.mu.Lock()
	if prev, ok := d.metadata[key]; ok && prev == value {
		d.mu.Unlock()
		return
	}

	d.metadata[key] = value
	d.mu.Unlock()

	d.next.MetadataUpdated(key, value)
}

// ResetAndReload forgets every remembered value so the next session's
// updates are delivered even when they match.
func (d *Dedup) ResetAndReload() {
	d.mu.Lock()
	d.account = nil
	d.chain = nil
	d.metadata = make(map[string]string)
	d.mu.Unlock()

	d.next.ResetAndReload()
}
