// Package xerrors implements the gateway's closed error taxonomy (spec §4.9,
// §7) and the classifier that maps provider errors into retry/fallback
// decisions.
package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds the core can produce. New kinds are
// never added at runtime — every branch is known at compile time, the same
// "dynamic dispatch → closed tagged union" idiom design note 9 calls for.
type Kind string

const (
	KindInputValidation        Kind = "input_validation"
	KindInvalidRequest         Kind = "invalid_request"
	KindAPIKeyMissing          Kind = "api_key_missing"
	KindInferenceClient        Kind = "inference_client"
	KindInferenceServer        Kind = "inference_server"
	KindModelProviderTimeout   Kind = "model_provider_timeout"
	KindModelProvidersExhausted Kind = "model_providers_exhausted"
	KindAllVariantsFailed      Kind = "all_variants_failed"
	KindOutputParsing          Kind = "output_parsing"
	KindJSONSchemaValidation   Kind = "json_schema_validation"
	KindCache                  Kind = "cache"
	KindObservability          Kind = "observability"
	KindUnsupportedBatch       Kind = "unsupported_batch"
	KindUnsupportedOptimization Kind = "unsupported_optimization"
	KindStream                 Kind = "stream"
	KindNoFallbackVariantsRemaining Kind = "no_fallback_variants_remaining"
)

// Error is the gateway's error type. It always carries a Kind and may carry
// provider-call enrichments for observability.
type Error struct {
	Kind Kind

	Message string

	// Enrichments, populated by provider adapters (spec §7.1).
	ProviderType string
	RawRequest   string
	RawResponse  string
	StatusCode   int

	// Per-provider errors collected by the model runner (spec §4.3,
	// ModelProvidersExhausted) or the variant engine (AllVariantsFailed).
	Causes []error

	wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.wrapped != nil {
		return e.wrapped.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a bare Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that unwraps to err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithProviderContext attaches the §7.1 enrichments and returns the receiver
// for chaining.
func (e *Error) WithProviderContext(providerType string, rawRequest, rawResponse string, status int) *Error {
	e.ProviderType = providerType
	e.RawRequest = rawRequest
	e.RawResponse = rawResponse
	e.StatusCode = status
	return e
}

// Exhausted builds the ModelProvidersExhausted error that carries every
// per-provider failure collected by the model runner.
func Exhausted(causes []error) *Error {
	return &Error{Kind: KindModelProvidersExhausted, Message: "all providers for this model failed", Causes: causes}
}

// AllVariantsFailed builds the AllVariantsFailed error (spec §7.3): only
// produced when the dispatcher iterated variants itself, never when a
// pinned variant failed (that failure surfaces verbatim instead).
func AllVariantsFailed(causes []error) *Error {
	return &Error{Kind: KindAllVariantsFailed, Message: "all variants for this function failed", Causes: causes}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the model runner should try the next provider
// after this error (spec §4.9 table).
func Retryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindInferenceServer, KindModelProviderTimeout:
		return true
	case KindInferenceClient:
		switch e.StatusCode {
		case http.StatusRequestTimeout, http.StatusConflict, 425, http.StatusTooManyRequests:
			return true
		}
		return false
	case KindAPIKeyMissing:
		return true // the next provider may carry its own credentials
	default:
		return false
	}
}

// FatalForRequest reports whether the error should abort the model runner's
// provider loop immediately instead of falling back (spec §4.3).
func FatalForRequest(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindInputValidation, KindInvalidRequest, KindNoFallbackVariantsRemaining:
		return true
	case KindInferenceClient:
		// A 400 that is definitively the caller's fault: not one of the
		// retryable 4xx codes and not a provider-capacity code.
		return e.StatusCode == http.StatusBadRequest
	default:
		return false
	}
}

// StatusClass maps an error kind to the caller-visible HTTP status class
// (spec §4.9 table).
func StatusClass(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindInputValidation, KindInvalidRequest, KindAPIKeyMissing:
		return http.StatusBadRequest
	case KindInferenceClient:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case KindInferenceServer, KindModelProvidersExhausted, KindAllVariantsFailed,
		KindOutputParsing, KindJSONSchemaValidation:
		return http.StatusInternalServerError
	case KindModelProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
