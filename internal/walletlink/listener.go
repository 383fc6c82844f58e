package walletlink

import "encoding/json"

// Listener receives the engine's domain events. Calls are made from
// engine goroutines and must not block for long.
type Listener interface {
	LinkedUpdated(linked bool)
	ConnectedUpdated(connected bool)
	AccountUpdated(address string)
	ChainUpdated(chainID, rpcURL string)
	MetadataUpdated(key, value string)
	ResetAndReload()
	Web3Response(payload json.RawMessage)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) LinkedUpdated(bool) {}
func (NopListener) ConnectedUpdated(bool) {}
func (NopListener) AccountUpdated(string) {}
func (NopListener) ChainUpdated(string, string) {}
func (NopListener) MetadataUpdated(string, string) {}
func (NopListener) ResetAndReload() {}
func (NopListener) Web3Response(json.RawMessage) {}
