package provider

import (
	"io"

	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// readAll is a small seam over io.ReadAll so every adapter reads (and keeps)
// the raw response body for observability (spec §7.1 enrichments) before
// decoding it.
func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// kindInferenceServer builds the Kind=InferenceServer error every adapter
// returns for a 5xx from its upstream (spec §4.9 table).
func kindInferenceServer(status int, rawResp, rawReq, providerType string) error {
	return xerrors.New(xerrors.KindInferenceServer, "%s API error (status %d)", providerType, status).
		WithProviderContext(providerType, rawReq, rawResp, status)
}

// kindInferenceClient builds the Kind=InferenceClient error every adapter
// returns for a 4xx from its upstream.
func kindInferenceClient(status int, rawResp, rawReq, providerType string) error {
	return xerrors.New(xerrors.KindInferenceClient, "%s API error (status %d)", providerType, status).
		WithProviderContext(providerType, rawReq, rawResp, status)
}
