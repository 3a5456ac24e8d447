package stream

import (
	"context"
	"time"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

// aggregatorBufferSize bounds the observability arm of the tee (spec §4.7
// step 2 / design note "Stream tee"): "a bounded channel with a drop policy
// only on the observability arm (never on the caller arm)".
const aggregatorBufferSize = 256

// Tee splits one provider stream into two arms: the caller arm (unbuffered,
// backpressured — the aggregator never starves the client) and the
// observability arm (bounded, drop-oldest under pressure so a slow
// aggregator can never stall or OOM the gateway). first has already been
// awaited by the model runner; Tee treats it as chunk zero.
//
// If the caller's context is cancelled before the provider stream ends, the
// goroutine keeps draining the provider stream into the aggregator alone,
// up to idleTimeout, then finalizes with whatever was collected (spec §4.7
// step 4).
func Tee(ctx context.Context, first value.StreamChunk, remainder <-chan value.StreamChunk, idleTimeout time.Duration) (caller <-chan value.StreamChunk, result <-chan *value.Response) {
	callerCh := make(chan value.StreamChunk)
	aggCh := make(chan value.StreamChunk, aggregatorBufferSize)
	doneCh := make(chan *value.Response, 1)

	go runAggregator(aggCh, doneCh)
	go pump(ctx, first, remainder, callerCh, aggCh, idleTimeout)

	return callerCh, doneCh
}

func runAggregator(aggCh <-chan value.StreamChunk, doneCh chan<- *value.Response) {
	agg := NewAggregator()
	for chunk := range aggCh {
		agg.Ingest(chunk)
	}
	doneCh <- agg.Result()
	close(doneCh)
}

func pump(ctx context.Context, first value.StreamChunk, remainder <-chan value.StreamChunk, callerCh chan<- value.StreamChunk, aggCh chan value.StreamChunk, idleTimeout time.Duration) {
	defer close(callerCh)
	defer close(aggCh)

	callerAlive := forward(ctx, first, callerCh, aggCh)
	for callerAlive {
		select {
		case chunk, ok := <-remainder:
			if !ok {
				return
			}
			callerAlive = forward(ctx, chunk, callerCh, aggCh)
		case <-ctx.Done():
			callerAlive = false
		}
	}

	// Caller disconnected: keep draining the provider stream into the
	// aggregator only, bounded by idleTimeout, so observability still gets
	// a finalized partial aggregate (spec §4.7 step 4).
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-remainder:
			if !ok {
				return
			}
			pushAgg(aggCh, chunk)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
		case <-timer.C:
			return
		}
	}
}

// forward delivers one chunk to both arms. The caller arm uses real
// backpressure (a blocking send); if the caller's context ends first,
// forward still pushes to the aggregator before reporting the caller dead.
func forward(ctx context.Context, chunk value.StreamChunk, callerCh chan<- value.StreamChunk, aggCh chan value.StreamChunk) (callerAlive bool) {
	select {
	case callerCh <- chunk:
		pushAgg(aggCh, chunk)
		return true
	case <-ctx.Done():
		pushAgg(aggCh, chunk)
		return false
	}
}

// pushAgg is the drop-oldest, never-block send onto the observability arm.
func pushAgg(aggCh chan value.StreamChunk, chunk value.StreamChunk) {
	select {
	case aggCh <- chunk:
		return
	default:
	}
	// Buffer full: drop the oldest entry to make room, then push. Losing an
	// aggregator-arm chunk under pressure is acceptable (spec: drop policy
	// applies only here); the caller arm above is unaffected.
	select {
	case <-aggCh:
	default:
	}
	select {
	case aggCh <- chunk:
	default:
	}
}
