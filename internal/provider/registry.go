package provider

import (
	"fmt"
	"net/http"

	"github.com/tensorzero-go/tensorgate/internal/config"
)

// defaultBaseURLs are used when a provider entry doesn't override base_url.
var defaultBaseURLs = map[string]string{
	"anthropic": "https://api.anthropic.com/v1",
	"google":    "https://generativelanguage.googleapis.com/v1beta",
	"openai":    "https://api.openai.com/v1",
}

// entry binds one configured provider name to its adapter and static
// per-provider settings resolved once at registry-build time.
type entry struct {
	adapter      Provider
	providerModel string
	baseURL      string
	credentials  Credentials
	extraHeaders map[string]string
}

// Registry resolves a configured provider name (spec §3.1 Provider) to the
// stateless adapter instance plus per-provider settings a Call needs. One
// adapter instance is shared across every provider entry of the same kind —
// generalizing the teacher's per-model factory map (cmd/llmrouter/main.go) to
// per-adapter-kind, since adapters here take credentials/base URL per call
// instead of at construction time.
type Registry struct {
	entries map[string]entry
}

// NewRegistry builds adapters for every adapter kind used in cfg.Providers
// and binds each configured provider name to its resolved settings.
func NewRegistry(cfg *config.Config, client *http.Client) (*Registry, error) {
	adapters := map[string]Provider{
		"anthropic": NewAnthropicProvider(client),
		"google":    NewGoogleProvider(client),
		"openai":    NewOpenAIProvider(client),
		"dummy":     NewDummyProvider(),
	}

	r := &Registry{entries: make(map[string]entry, len(cfg.Providers))}
	for name, pc := range cfg.Providers {
		adapter, ok := adapters[pc.Adapter]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown adapter kind %q", name, pc.Adapter)
		}

		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[pc.Adapter]
		}

		locs := adapter.CredentialLocations()
		creds := Credentials{ConfiguredLiteral: pc.APIKey}
		for _, loc := range locs {
			switch loc.Kind {
			case CredentialEnvVar:
				creds.EnvVar = loc.Name
			case CredentialDynamic:
				creds.DynamicKey = loc.Name
			}
		}

		r.entries[name] = entry{
			adapter:       adapter,
			providerModel: pc.ProviderModel,
			baseURL:       baseURL,
			credentials:   creds,
			extraHeaders:  pc.ExtraHeaders,
		}
	}
	return r, nil
}

// Resolved is everything a Call needs for one configured provider name.
type Resolved struct {
	Adapter       Provider
	ProviderModel string
	BaseURL       string
	Credentials   Credentials
	ExtraHeaders  map[string]string
}

// Resolve looks up a configured provider name (spec §3.1). Unknown names are
// a config bug, not a retryable runtime condition — callers should have
// already validated this against config.Validate.
func (r *Registry) Resolve(providerName string, dynamicCreds map[string]string) (Resolved, error) {
	e, ok := r.entries[providerName]
	if !ok {
		return Resolved{}, fmt.Errorf("unknown provider %q", providerName)
	}
	creds := e.credentials
	creds.Dynamic = dynamicCreds
	return Resolved{
		Adapter:       e.adapter,
		ProviderModel: e.providerModel,
		BaseURL:       e.baseURL,
		Credentials:   creds,
		ExtraHeaders:  e.extraHeaders,
	}, nil
}
