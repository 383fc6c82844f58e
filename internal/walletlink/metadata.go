package walletlink

import (
	"log/slog"

	"golang.org/x/text/unicode/norm"
)

// Recognized session metadata keys.
const (
	KeyDestroyed       = "__destroyed"
	KeyEthereumAddress = "EthereumAddress"
	KeyWalletUsername  = "WalletUsername"
	KeyAppVersion      = "AppVersion"
	KeyChainID         = "ChainId"
	KeyJSONRPCURL      = "JsonRpcUrl"
)

// destroyedValue is the only __destroyed value that requests a reset.
const destroyedValue = "1"

// metadataKey enumerates the recognized entries of a metadata batch in
// processing order. The chain entry covers two wire keys.
type metadataKey int

const (
	metaDestroyed metadataKey = iota
	metaAccount
	metaUsername
	metaAppVersion
	metaChain
)

var metadataOrder = [...]metadataKey{
	metaDestroyed,
	metaAccount,
	metaUsername,
	metaAppVersion,
	metaChain,
}

// synchronizer turns encrypted metadata batches into listener events.
// It keeps no state between batches and never suppresses repeats.
type synchronizer struct {
	cipher  Cipher
	logger  *slog.Logger
	metrics *Metrics
}

// apply processes one batch. Unrecognized keys are ignored and absent
// keys are skipped. A key that fails to decrypt is logged and does not
// stop the rest of the batch.
func (s *synchronizer) apply(batch map[string]string, l Listener) {
	for _, key := range metadataOrder {
		switch key {
		case metaDestroyed:
			// The relay sends the teardown flag in the clear.
			if batch[KeyDestroyed] == destroyedValue {
				l.ResetAndReload()
			}

		case metaAccount:
			if v, ok := s.decrypt(batch, KeyEthereumAddress); ok {
				l.AccountUpdated(v)
			}

		case metaUsername:
			if v, ok := s.decrypt(batch, KeyWalletUsername); ok {
				l.MetadataUpdated(KeyWalletUsername, norm.NFC.String(v))
			}

		case metaAppVersion:
			if v, ok := s.decrypt(batch, KeyAppVersion); ok {
				l.MetadataUpdated(KeyAppVersion, v)
			}

		case metaChain:
			_, hasChain := batch[KeyChainID]
			_, hasURL := batch[KeyJSONRPCURL]

			if !hasChain || !hasURL {
				continue
			}

			chainID, ok := s.decrypt(batch, KeyChainID)
			if !ok {
				continue
			}

			rpcURL, ok := s.decrypt(batch, KeyJSONRPCURL)
			if !ok {
				continue
			}

			l.ChainUpdated(chainID, rpcURL)
		}
	}
}

func (s *synchronizer) decrypt(batch map[string]string, key string) (string, bool) {
	enc, ok := batch[key]
	if !ok {
		return "", false
	}

	v, err := s.cipher.Decrypt(enc)
	if err != nil {
		s.metrics.decryptFailure(decryptSourceMetadata)
		s.logger.Warn("decrypting session metadata",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return "", false
	}

	return v, true
}
