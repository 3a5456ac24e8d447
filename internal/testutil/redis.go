// Package testutil holds shared test harnesses: a miniredis client for cache
// tests and a go-vcr cassette client for adapter tests. It deliberately
// avoids importing internal/cache or internal/provider so either package's
// own tests can import testutil without an import cycle.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewMiniredisClient starts an in-process miniredis server scoped to t and
// returns a client pointed at it. The server shuts down when t's test (and
// any subtests) complete.
func NewMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}
