package main

import (
	"encoding/json"
	"log/slog"

	"github.com/alexjbarnes/walletlink/internal/walletlink"
)

// metadataStore is the part of the state store the listener writes to.
type metadataStore interface {
	SetMetadata(sessionID, key, value string) error
	ClearSession() error
}

// stateListener logs engine events and records the latest wallet
// metadata so `session show` can report it offline. It is wrapped in a
// walletlink.Dedup, so it only sees changes.
type stateListener struct {
	store     metadataStore
	sessionID string
	logger    *slog.Logger

	// onReset runs after the wallet asked the session to be dropped.
	onReset func()
}

func (l *stateListener) record(key, value string) {
	if err := l.store.SetMetadata(l.sessionID, key, value); err != nil {
		l.logger.Warn("failed to persist metadata",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (l *stateListener) LinkedUpdated(linked bool) {
	l.logger.Info("link status changed", slog.Bool("linked", linked))
}

func (l *stateListener) ConnectedUpdated(connected bool) {
	l.logger.Info("connection status changed", slog.Bool("connected", connected))
}

func (l *stateListener) AccountUpdated(address string) {
	l.logger.Info("wallet account", slog.String("address", address))
	l.record(walletlink.KeyEthereumAddress, address)
}

func (l *stateListener) ChainUpdated(chainID, rpcURL string) {
	l.logger.Info("wallet chain",
		slog.String("chain_id", chainID),
		slog.String("rpc_url", rpcURL),
	)
	l.record(walletlink.KeyChainID, chainID)
	l.record(walletlink.KeyJSONRPCURL, rpcURL)
}

func (l *stateListener) MetadataUpdated(key, value string) {
	l.logger.Info("wallet metadata", slog.String("key", key), slog.String("value", value))
	l.record(key, value)
}

func (l *stateListener) ResetAndReload() {
	l.logger.Warn("wallet destroyed the session, clearing local state")

	if err := l.store.ClearSession(); err != nil {
		l.logger.Error("failed to clear session", slog.String("error", err.Error()))
	}

	if l.onReset != nil {
		l.onReset()
	}
}

func (l *stateListener) Web3Response(payload json.RawMessage) {
	l.logger.Info("web3 response", slog.String("payload", string(payload)))
}
