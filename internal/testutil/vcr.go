package testutil

import (
	"net/http"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// NewVCRClient returns an *http.Client whose RoundTripper replays the HTTP
// interactions recorded in the cassette at cassettePath (no ".yaml"
// extension) instead of dialing out. Matching is done on method and URL
// only, since hand-authored fixtures don't try to reproduce exact request
// bytes.
func NewVCRClient(t *testing.T, cassettePath string) *http.Client {
	t.Helper()

	rec, err := recorder.NewWithOptions(&recorder.Options{
		CassetteName: cassettePath,
		Mode:         recorder.ModeReplayOnly,
	})
	if err != nil {
		t.Fatalf("opening cassette %q: %v", cassettePath, err)
	}

	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	t.Cleanup(func() {
		if err := rec.Stop(); err != nil {
			t.Errorf("stopping recorder for cassette %q: %v", cassettePath, err)
		}
	})

	return &http.Client{Transport: rec}
}
