// Package sample implements the experimentation sampler (spec §4.8, C8):
// deterministic weighted variant selection keyed on (function_name,
// episode_id), with an unweighted fallback-pool draw when the weighted set
// is empty. Grounded on the original implementation's
// experimentation/static_weights.rs: a BTreeMap-sorted cumulative-weight
// threshold walk, with the selected entry popped from a working copy so a
// subsequent draw (used for fallback-variant retry) picks a different one.
package sample

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/mitchellh/copystructure"

	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// Entry is one variant's weight plus whatever payload the caller wants
// carried through selection (typically a config.VariantConfig).
type Entry struct {
	Weight  *float64 // nil = fallback-only; 0 = disabled; >0 = weighted pool
	Payload any
}

// Pool is the working copy of active variants passed into Sample; callers
// deep-copy it via CopyPool before a request starts so each draw doesn't
// mutate the shared, immutable config-level variant map.
type Pool map[string]Entry

// CopyPool deep-copies a pool so the sampler can pop entries from its own
// working copy without ever touching the shared immutable config snapshot
// (the one mutable-copy rule the sampler exists to enforce).
func CopyPool(p Pool) (Pool, error) {
	copied, err := copystructure.Copy(p)
	if err != nil {
		return nil, err
	}
	return copied.(Pool), nil
}

// uniformValue reproduces the original's get_uniform_value(function_name,
// episode_id): a deterministic draw in [0, 1) from the pair. No Go port of
// the original hash exists in the retrieved source, so this is a from-scratch
// reconstruction on top of xxhash, documented in the design ledger.
func uniformValue(functionName, episodeID string) float64 {
	h := xxhash.New()
	_, _ = h.WriteString(functionName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(episodeID)
	sum := h.Sum64()

	// Scale into [0, 1) using the top 53 bits, matching a float64 mantissa's
	// precision so the draw is uniform over representable values.
	const mantissaBits = 53
	shifted := sum >> (64 - mantissaBits)
	return float64(shifted) / float64(uint64(1)<<mantissaBits)
}

// Sample selects one variant from active, following spec §4.8:
//   - W = sum of weights > 0 present in active.
//   - If W > 0: draw u in [0, W) from uniformValue(function, episode) * W;
//     walk variants in sorted-name order accumulating weight until the
//     running sum exceeds u.
//   - Else: among variants with a nil (fallback) weight, pick deterministically
//     via rendezvous hashing on (function_name, episode_id);
//     NoFallbackVariantsRemaining if none.
//
// The selected entry is removed from a copy of active, which is returned
// alongside the pick so the caller can retry with a fresh draw-independent
// population on variant failure (spec: "removed from the caller's working
// copy so a subsequent call ... picks a different variant").
func Sample(functionName, episodeID string, active Pool) (string, Entry, Pool, error) {
	names := make([]string, 0, len(active))
	for name := range active {
		names = append(names, name)
	}
	sort.Strings(names)

	var total float64
	for _, name := range names {
		if w := active[name].Weight; w != nil && *w > 0 {
			total += *w
		}
	}

	u := uniformValue(functionName, episodeID)

	var selected string
	if total > 0 {
		threshold := u * total
		var cumulative float64
		for _, name := range names {
			w := active[name].Weight
			if w == nil || *w <= 0 {
				continue
			}
			cumulative += *w
			if cumulative > threshold {
				selected = name
				break
			}
		}
		if selected == "" {
			// Floating-point edge case only: fall back to the first
			// weighted name, mirroring active_variants.pop_first().
			for _, name := range names {
				if w := active[name].Weight; w != nil && *w > 0 {
					selected = name
					break
				}
			}
		}
	} else {
		var fallbacks []string
		for _, name := range names {
			if active[name].Weight == nil {
				fallbacks = append(fallbacks, name)
			}
		}
		if len(fallbacks) == 0 {
			return "", Entry{}, active, xerrors.New(xerrors.KindNoFallbackVariantsRemaining, "no fallback variants remaining for function %q", functionName)
		}
		// Rendezvous (highest random weight) hashing over the fallback pool:
		// deterministic per (function, episode) key, and stable under pool
		// churn (removing one fallback only reassigns the keys that hashed
		// to it, unlike a plain index draw over the sorted slice).
		hrw := rendezvous.New(fallbacks, xxhash.Sum64String)
		selected = hrw.Get(functionName + "\x00" + episodeID)
	}

	picked := active[selected]
	remaining, err := CopyPool(active)
	if err != nil {
		return "", Entry{}, active, err
	}
	delete(remaining, selected)

	return selected, picked, remaining, nil
}
