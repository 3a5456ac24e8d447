// Package model implements the model runner (spec §4.3, C3): the ordered
// provider-fallback loop sitting between the variant engine and the provider
// adapters. A model is a named ordered list of providers plus a per-attempt
// and a total timeout; the runner walks the list, stopping early on a fatal
// error and aggregating everything else into ModelProvidersExhausted.
package model

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tensorzero-go/tensorgate/internal/cache"
	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// Resolver looks up a configured provider name's adapter and call settings.
// internal/provider.Registry implements this.
type Resolver interface {
	Resolve(providerName string, dynamicCreds map[string]string) (provider.Resolved, error)
}

// Runner executes a model's ordered provider fallback for one call. Cache
// consultation happens "at the adapter boundary" (spec §1/§4.6): one lookup
// per provider attempt, keyed on (model, provider, normalized request), so a
// cache hit on the first provider in the list skips every provider call
// entirely.
type Runner struct {
	registry Resolver

	cache            *cache.Cache
	defaultCacheMaxAge time.Duration
}

func NewRunner(registry Resolver) *Runner {
	return &Runner{registry: registry}
}

// SetCache wires the response cache in after construction, matching
// variant.Engine.SetSubDispatch's deferred-wiring pattern: the cache is an
// optional collaborator a caller may omit entirely (nil cache disables
// consultation, leaving Infer's behavior identical to before caching
// existed).
func (r *Runner) SetCache(c *cache.Cache, defaultMaxAge time.Duration) {
	r.cache = c
	r.defaultCacheMaxAge = defaultMaxAge
}

// cacheModeAndMaxAge resolves one request's effective cache mode and max
// age (spec §4.6, §8 "Dryrun + cache On ⇒ cache is read but not written").
func (r *Runner) cacheModeAndMaxAge(req *value.Request) (cache.Mode, time.Duration) {
	mode := cache.ModeOff
	if req.CacheOptions.Enabled {
		mode = cache.ModeOn
	}
	if req.Dryrun {
		mode = cache.DemoteForDryRun(mode)
	}
	maxAge := req.CacheOptions.MaxAge
	if maxAge <= 0 {
		maxAge = r.defaultCacheMaxAge
	}
	return mode, maxAge
}

// cacheKey canonicalizes req for hashing: InferenceID, Stream, CacheOptions,
// and Dryrun are excluded since they govern cache consultation itself, not
// what must match for a hit (spec value.Request doc comment).
func cacheKey(modelName, providerName string, req *value.Request) (cache.Key, error) {
	canonical := *req
	canonical.InferenceID = ""
	canonical.Stream = false
	canonical.CacheOptions = value.CacheOptions{}
	canonical.Dryrun = false

	raw, err := json.Marshal(canonical)
	if err != nil {
		return cache.Key{}, err
	}
	return cache.NewKey(modelName, providerName, raw), nil
}

// responseFromCacheEntry rebuilds a value.Response from a stored cache
// entry, setting Cached=true (spec §8 "the cached flag is set").
func responseFromCacheEntry(entry cache.Entry) (*value.Response, error) {
	var resp value.Response
	if err := json.Unmarshal([]byte(entry.ResponseJSON), &resp); err != nil {
		return nil, err
	}
	resp.Cached = true
	return &resp, nil
}

// Attempt records one (model, provider) try, success or failure, for
// observability (spec §4.10.1 ModelInferenceRecord, one per attempt).
type Attempt struct {
	ModelName    string
	ProviderName string
	Response     *value.Response
	Err          error
}

// Infer runs the spec §4.3 unary algorithm: try each provider in order under
// a per-attempt timeout. A fatal error (xerrors.FatalForRequest) aborts
// immediately; a retryable one (xerrors.Retryable) is recorded and the loop
// falls back to the next provider; anything else is neither, so it also
// aborts immediately rather than masking an unretryable failure behind
// ModelProvidersExhausted. Exhausting the provider list on retryable
// failures returns ModelProvidersExhausted carrying every per-provider
// error.
func (r *Runner) Infer(ctx context.Context, modelName string, m config.ModelConfig, req *value.Request, dynamicCreds map[string]string) (*value.Response, []Attempt, error) {
	var attempts []Attempt
	var causes []error

	overall := ctx
	var cancelTotal context.CancelFunc
	if m.TotalTimeout > 0 {
		overall, cancelTotal = context.WithTimeout(ctx, m.TotalTimeout)
		defer cancelTotal()
	}

	var mode cache.Mode
	var maxAge time.Duration
	if r.cache != nil {
		mode, maxAge = r.cacheModeAndMaxAge(req)
	}

	for _, providerName := range m.Providers {
		resolved, err := r.registry.Resolve(providerName, dynamicCreds)
		if err != nil {
			causes = append(causes, err)
			continue
		}

		var key cache.Key
		if r.cache != nil {
			if key, err = cacheKey(modelName, providerName, req); err == nil {
				if entry, hit, err := r.cache.Lookup(overall, mode, key, maxAge); err == nil && hit {
					if resp, err := responseFromCacheEntry(entry); err == nil {
						// A cache hit emits no model-inference record (spec
						// §8): attempts stays empty for this call.
						return resp, attempts, nil
					}
				}
			}
		}

		attemptCtx := overall
		var cancelAttempt context.CancelFunc
		if m.AttemptTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(overall, m.AttemptTimeout)
		}

		call := provider.Call{
			ModelName: modelName, ProviderName: providerName, Request: req,
			ProviderModel: resolved.ProviderModel, Credentials: resolved.Credentials,
			BaseURL: resolved.BaseURL, ExtraHeaders: resolved.ExtraHeaders,
		}

		resp, err := resolved.Adapter.Infer(attemptCtx, call)
		if cancelAttempt != nil {
			cancelAttempt()
		}

		if err != nil {
			if attemptCtx.Err() == context.DeadlineExceeded {
				err = xerrors.Wrap(xerrors.KindModelProviderTimeout, err, "provider %q timed out", providerName)
			}
			attempts = append(attempts, Attempt{ModelName: modelName, ProviderName: providerName, Err: err})
			causes = append(causes, err)

			if xerrors.FatalForRequest(err) {
				return nil, attempts, err
			}
			if !xerrors.Retryable(err) {
				return nil, attempts, err
			}
			continue
		}

		if r.cache != nil {
			if payload, err := json.Marshal(resp); err == nil {
				r.cache.Write(mode, key, cache.Entry{ResponseJSON: string(payload)})
			}
		}

		attempts = append(attempts, Attempt{ModelName: modelName, ProviderName: providerName, Response: resp})
		return resp, attempts, nil
	}

	return nil, attempts, xerrors.Exhausted(causes)
}

// InferStream runs the streaming counterpart: success is defined as
// producing a first chunk without error (spec §4.3 "Streaming path").
func (r *Runner) InferStream(ctx context.Context, modelName string, m config.ModelConfig, req *value.Request, dynamicCreds map[string]string) (*provider.StreamResult, string, []Attempt, error) {
	var attempts []Attempt
	var causes []error

	for _, providerName := range m.Providers {
		resolved, err := r.registry.Resolve(providerName, dynamicCreds)
		if err != nil {
			causes = append(causes, err)
			continue
		}

		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if m.AttemptTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, m.AttemptTimeout)
		}

		call := provider.Call{
			ModelName: modelName, ProviderName: providerName, Request: req,
			ProviderModel: resolved.ProviderModel, Credentials: resolved.Credentials,
			BaseURL: resolved.BaseURL, ExtraHeaders: resolved.ExtraHeaders,
		}

		result, err := resolved.Adapter.InferStream(attemptCtx, call)
		// Unlike Infer, we do not cancel attemptCtx's deadline here on
		// success: the remainder of the stream runs under it until the
		// caller finishes draining (a per-attempt, not per-chunk, timeout).
		if err != nil {
			if cancelAttempt != nil {
				cancelAttempt()
			}
			attempts = append(attempts, Attempt{ModelName: modelName, ProviderName: providerName, Err: err})
			causes = append(causes, err)

			if xerrors.FatalForRequest(err) {
				return nil, "", attempts, err
			}
			if !xerrors.Retryable(err) {
				return nil, "", attempts, err
			}
			continue
		}

		attempts = append(attempts, Attempt{ModelName: modelName, ProviderName: providerName})
		return result, providerName, attempts, nil
	}

	return nil, "", attempts, xerrors.Exhausted(causes)
}

// deadlineFor returns a child of parent bounded by d, or parent itself with
// a no-op cancel when d is not positive. It is unexported, so only this
// package can call it.
func deadlineFor(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
