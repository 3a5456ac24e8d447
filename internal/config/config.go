// Package config handles loading and validating gateway configuration:
// functions, variants, models, and providers (spec §3.1, §3.3). Config is
// loaded once, then shared immutably; a background watcher swaps in a fresh
// snapshot atomically on file change so in-flight requests never observe a
// half-applied reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Models    map[string]ModelConfig    `koanf:"models"`
	Functions map[string]FunctionConfig `koanf:"functions"`
	Metrics   MetricsConfig             `koanf:"metrics"`
	Cache     CacheConfig               `koanf:"cache"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// StreamIdleTimeout bounds how long the aggregation arm of a streaming
	// response keeps draining after the caller disconnects (spec §4.7 step
	// 4, §5 "default: a few seconds"). Zero in config means "use the
	// default", not "disabled" — see defaultStreamIdleTimeout.
	StreamIdleTimeout time.Duration `koanf:"stream_idle_timeout"`
}

// defaultStreamIdleTimeout is applied when a config omits server.stream_idle_timeout.
const defaultStreamIdleTimeout = 3 * time.Second

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// CacheConfig configures the response cache (spec §4.6).
type CacheConfig struct {
	RedisAddr    string        `koanf:"redis_addr"`
	DefaultMaxAge time.Duration `koanf:"default_max_age"`
}

// ProviderConfig is a (adapter, credentials, provider-side model id) binding
// (spec §3.1 Provider).
type ProviderConfig struct {
	Adapter      string            `koanf:"adapter"` // dummy|openai|anthropic|google
	APIKey       string            `koanf:"api_key"`
	BaseURL      string            `koanf:"base_url"`
	ProviderModel string           `koanf:"provider_model"`
	ExtraHeaders map[string]string `koanf:"extra_headers"`
	ExtraBody    map[string]any    `koanf:"extra_body"`
	Timeout      time.Duration     `koanf:"timeout"`
}

// ModelConfig is a named ordered list of provider references plus timeouts
// (spec §3.1 Model).
type ModelConfig struct {
	Providers      []string      `koanf:"providers"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
	TotalTimeout   time.Duration `koanf:"total_timeout"`
}

// VariantConfig configures one way to implement a function (spec §3.1
// Variant). Kind selects which of the pointer fields below is meaningful.
type VariantConfig struct {
	Kind   string   `koanf:"kind"` // chat_completion|best_of_n|mixture_of_n|dynamic_in_context_learning|chain_of_thought
	Model  string   `koanf:"model"`
	Weight *float64 `koanf:"weight"`

	Sampling SamplingConfig `koanf:"sampling"`

	SystemTemplate    string `koanf:"system_template"`
	UserTemplate      string `koanf:"user_template"`
	AssistantTemplate string `koanf:"assistant_template"`

	Timeout time.Duration `koanf:"timeout"`

	// best_of_n / mixture_of_n
	Candidates    int    `koanf:"candidates"`
	CandidateVariant string `koanf:"candidate_variant"`
	JudgeVariant  string `koanf:"judge_variant"`
	SynthesizerVariant string `koanf:"synthesizer_variant"`

	// dynamic_in_context_learning
	EmbeddingNamespace string `koanf:"embedding_namespace"`
	TopK               int    `koanf:"top_k"`

	// chain_of_thought wraps an existing JSON function's schema; no extra
	// fields needed beyond Model/Sampling/templates.
}

// SamplingConfig mirrors value.SamplingParams at the config layer.
type SamplingConfig struct {
	Temperature *float64 `koanf:"temperature"`
	TopP        *float64 `koanf:"top_p"`
	MaxTokens   *int     `koanf:"max_tokens"`
	Seed        *int64   `koanf:"seed"`
	ThinkingBudget *int  `koanf:"thinking_budget"`
}

// FunctionConfig is a logical inference endpoint (spec §3.1 Function).
type FunctionConfig struct {
	Kind         string                   `koanf:"kind"` // chat|json
	InputSchema  map[string]any           `koanf:"input_schema"`
	OutputSchema map[string]any           `koanf:"output_schema"`
	Variants     map[string]VariantConfig `koanf:"variants"`
	Tools        []string                 `koanf:"tools"`
}

// Load reads configuration from a YAML file, layers TENSORGATE_ environment
// overrides on top, expands ${VAR} credential placeholders, and validates
// the result (spec invariants: a function has ≥1 variant, a model's
// provider list is non-empty and a subset of the registry).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider("TENSORGATE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "TENSORGATE_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandCredentials(&cfg)

	if cfg.Server.StreamIdleTimeout == 0 {
		cfg.Server.StreamIdleTimeout = defaultStreamIdleTimeout
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandCredentials resolves ${VAR_NAME} placeholders in provider API keys
// against the process environment.
func expandCredentials(cfg *Config) {
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1]
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p
		}
	}
}

// Validate enforces the structural invariants from spec §3.1/§3.2.
func Validate(cfg *Config) error {
	for name, fn := range cfg.Functions {
		if len(fn.Variants) == 0 {
			return fmt.Errorf("function %q: must have at least one variant", name)
		}
	}
	for name, m := range cfg.Models {
		if len(m.Providers) == 0 {
			return fmt.Errorf("model %q: provider list must be non-empty", name)
		}
		for _, p := range m.Providers {
			if _, ok := cfg.Providers[p]; !ok {
				return fmt.Errorf("model %q: references unknown provider %q", name, p)
			}
		}
	}
	return nil
}

// Store holds a hot-reloadable Config snapshot. Readers call Get(); a
// background watcher (Watch) swaps in new snapshots atomically so in-flight
// requests keep the snapshot they started with (spec §3.3, §9 "Shared/weak
// references to config").
type Store struct {
	ptr atomic.Pointer[Config]
	path string
}

// NewStore loads path once and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.ptr.Store(cfg)
	return s, nil
}

// Get returns the current immutable Config snapshot.
func (s *Store) Get() *Config { return s.ptr.Load() }

// Watch starts watching the config file for changes, reloading and swapping
// the snapshot atomically on each write. It runs until stop is closed.
// Reload errors are logged to onError (if non-nil) and the previous
// snapshot is kept.
func (s *Store) Watch(stop <-chan struct{}, onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching config file: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(s.path)
				if err != nil {
					if onError != nil {
						onError(fmt.Errorf("reloading config: %w", err))
					}
					continue
				}
				s.ptr.Store(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
