package walletlink

// Relay sources reported in published event payloads.
const (
	RelaySourceSDK      = "sdk"
	RelaySourceInjected = "injected_sdk"
)

// Environment describes the host the engine runs in. It is merged into
// every published event payload.
type Environment struct {
	Origin      string
	RelaySource string
}

// merge returns a copy of data with the environment fields set. The
// environment overrides caller keys of the same name.
func (e Environment) merge(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}

	source := e.RelaySource
	if source == "" {
		source = RelaySourceSDK
	}

	out["origin"] = e.Origin
	out["relaySource"] = source

	return out
}
