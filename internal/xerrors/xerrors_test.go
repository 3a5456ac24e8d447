package xerrors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKindTable asserts the kind -> retryable/fatal/status-class table from
// spec §4.9 for every closed Kind the gateway produces.
func TestKindTable(t *testing.T) {
	cases := []struct {
		name       string
		err        *Error
		retryable  bool
		fatal      bool
		statusClass int
	}{
		{"input_validation", New(KindInputValidation, "x"), false, true, http.StatusBadRequest},
		{"invalid_request", New(KindInvalidRequest, "x"), false, true, http.StatusBadRequest},
		{"api_key_missing", New(KindAPIKeyMissing, "x"), true, false, http.StatusBadRequest},
		{"inference_server", New(KindInferenceServer, "x"), true, false, http.StatusInternalServerError},
		{"model_provider_timeout", New(KindModelProviderTimeout, "x"), true, false, http.StatusGatewayTimeout},
		{"no_fallback_variants_remaining", New(KindNoFallbackVariantsRemaining, "x"), false, true, http.StatusInternalServerError},
		{"inference_client_400_fatal", (&Error{Kind: KindInferenceClient, StatusCode: http.StatusBadRequest}), false, true, http.StatusBadRequest},
		{"inference_client_408_retryable", (&Error{Kind: KindInferenceClient, StatusCode: http.StatusRequestTimeout}), true, false, http.StatusRequestTimeout},
		{"inference_client_429_retryable", (&Error{Kind: KindInferenceClient, StatusCode: http.StatusTooManyRequests}), true, false, http.StatusTooManyRequests},
		{"inference_client_409_retryable", (&Error{Kind: KindInferenceClient, StatusCode: http.StatusConflict}), true, false, http.StatusConflict},
		{"inference_client_403_neither", (&Error{Kind: KindInferenceClient, StatusCode: http.StatusForbidden}), false, false, http.StatusForbidden},
		{"model_providers_exhausted", New(KindModelProvidersExhausted, "x"), false, false, http.StatusInternalServerError},
		{"all_variants_failed", New(KindAllVariantsFailed, "x"), false, false, http.StatusInternalServerError},
		{"output_parsing", New(KindOutputParsing, "x"), false, false, http.StatusInternalServerError},
		{"json_schema_validation", New(KindJSONSchemaValidation, "x"), false, false, http.StatusInternalServerError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.retryable, Retryable(c.err), "Retryable")
			assert.Equal(t, c.fatal, FatalForRequest(c.err), "FatalForRequest")
			assert.Equal(t, c.statusClass, StatusClass(c.err), "StatusClass")
		})
	}
}

func TestRetryableNonXerrorsIsFalse(t *testing.T) {
	assert.False(t, Retryable(assertErr{}))
}

func TestFatalForRequestNonXerrorsIsFalse(t *testing.T) {
	assert.False(t, FatalForRequest(assertErr{}))
}

func TestStatusClassNonXerrorsIsInternalServerError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusClass(assertErr{}))
}

func TestExhaustedCarriesCauses(t *testing.T) {
	causes := []error{New(KindInferenceServer, "a"), New(KindInferenceServer, "b")}
	err := Exhausted(causes)
	assert.Equal(t, KindModelProvidersExhausted, err.Kind)
	assert.Equal(t, causes, err.Causes)
}

func TestAllVariantsFailedCarriesCauses(t *testing.T) {
	causes := []error{New(KindInferenceServer, "a")}
	err := AllVariantsFailed(causes)
	assert.Equal(t, KindAllVariantsFailed, err.Kind)
	assert.Equal(t, causes, err.Causes)
}

func TestWrapUnwraps(t *testing.T) {
	inner := assertErr{}
	err := Wrap(KindInferenceServer, inner, "wrapped: %v", inner)
	assert.Equal(t, inner, err.Unwrap())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
