// Package cache implements the response cache (spec §4.6, C6): a
// content-addressed, append-only store keyed on (model, provider,
// normalized-request-sans-inference_id). Grounded on the teacher's use of
// go-redis as its one real storage dependency, generalized from a flat KV
// store to the spec's append-only-per-key, newest-wins-on-read shape via
// Redis sorted sets (ZADD by timestamp, ZREVRANGEBYSCORE for "most recent
// entry ≤ max_age").
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Mode is the per-request cache enablement (spec §4.6).
type Mode string

const (
	ModeOff       Mode = "off"
	ModeReadOnly  Mode = "read_only"
	ModeWriteOnly Mode = "write_only"
	ModeOn        Mode = "on"
)

// DemoteForDryRun applies the spec's dry-run demotion table: On→ReadOnly,
// WriteOnly→Off; ReadOnly and Off are unaffected.
func DemoteForDryRun(m Mode) Mode {
	switch m {
	case ModeOn:
		return ModeReadOnly
	case ModeWriteOnly:
		return ModeOff
	default:
		return m
	}
}

func (m Mode) readsAllowed() bool  { return m == ModeOn || m == ModeReadOnly }
func (m Mode) writesAllowed() bool { return m == ModeOn || m == ModeWriteOnly }

// Key is the split cache key (spec §4.6): a 64-bit short key for index
// locality plus the full 256-bit long key for exact verification. The
// original keys with blake3; no blake3 binding exists anywhere in the
// example pack, so the short key is xxhash (already a teacher indirect dep)
// and the long key is stdlib sha256 — see the design ledger's stdlib
// justification.
type Key struct {
	Short uint64
	Long  [32]byte
}

// NewKey computes the cache key for one (model, provider, normalized
// request) triple. req must already have InferenceID cleared by the caller —
// this package never strips fields itself, so identical requests from
// different call sites hash identically only if they agree on what
// "sans inference_id" means.
func NewKey(modelName, providerName string, canonicalRequestJSON []byte) Key {
	buf := make([]byte, 0, len(modelName)+len(providerName)+len(canonicalRequestJSON)+2)
	buf = append(buf, modelName...)
	buf = append(buf, 0)
	buf = append(buf, providerName...)
	buf = append(buf, 0)
	buf = append(buf, canonicalRequestJSON...)

	return Key{
		Short: xxhash.Sum64(buf),
		Long:  sha256.Sum256(buf),
	}
}

func (k Key) redisKey() string {
	return fmt.Sprintf("tensorgate:cache:%x:%s", k.Short, hex.EncodeToString(k.Long[:]))
}

// Entry is one stored response (non-streaming) or stream (chunk list).
type Entry struct {
	ResponseJSON string    `json:"response_json"`
	Chunks       []string  `json:"chunks,omitempty"` // raw_chunk strings, in emission order, for lookup_stream
	StoredAt     time.Time `json:"stored_at"`
}

// Cache is the Redis-backed response cache.
type Cache struct {
	rdb *redis.Client
}

func New(addr string) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an already-constructed client (e.g. miniredis in tests).
func NewWithClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Lookup returns the most recent entry no older than maxAge, or (Entry{},
// false, nil) on a clean miss. Both the short and long key segments are part
// of the Redis key itself, so a Redis-level hit is already a verified match
// on both (spec: "verifies both short and long keys before returning").
func (c *Cache) Lookup(ctx context.Context, mode Mode, key Key, maxAge time.Duration) (Entry, bool, error) {
	if !mode.readsAllowed() {
		return Entry{}, false, nil
	}

	minScore := fmt.Sprintf("%d", time.Now().Add(-maxAge).Unix())
	res, err := c.rdb.ZRevRangeByScore(ctx, key.redisKey(), &redis.ZRangeBy{
		Min: minScore, Max: "+inf", Count: 1,
	}).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	if len(res) == 0 {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(res[0]), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache lookup: decoding entry: %w", err)
	}
	return entry, true, nil
}

// Write appends entry under key, non-blocking: it spawns a goroutine and
// returns immediately (spec: "Failure to persist is logged but does not
// fail the request"). At-most-once per key is not guaranteed — concurrent
// writers under the same key both land; Lookup always returns the newest.
func (c *Cache) Write(mode Mode, key Key, entry Entry) {
	if !mode.writesAllowed() {
		return
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	go func() {
		payload, err := json.Marshal(entry)
		if err != nil {
			log.Printf("cache write: encoding entry: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.rdb.ZAdd(ctx, key.redisKey(), redis.Z{
			Score:  float64(entry.StoredAt.Unix()),
			Member: payload,
		}).Err(); err != nil {
			log.Printf("cache write: %v", err)
		}
	}()
}

// LookupStream is the streaming counterpart of Lookup (spec §4.6
// "lookup_stream"): it returns the same Entry shape, but callers
// reconstructing a synthetic stream should read Entry.Chunks in order and
// zero out usage, since the spec requires usage be zeroed on a cache-served
// stream (the caller distinguishes "from cache" via Response.Cached).
func (c *Cache) LookupStream(ctx context.Context, mode Mode, key Key, maxAge time.Duration) (Entry, bool, error) {
	return c.Lookup(ctx, mode, key, maxAge)
}
