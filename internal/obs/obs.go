// Package obs implements the observability hooks (spec §4.10, §6.3, §6.4):
// non-blocking record emission, Prometheus metrics, and the overhead-latency
// accounting described in §6.4.
//
// Like the durable observability sinks themselves (spec §1, "out of scope"),
// the only thing specified here is the interface a sink must satisfy. The
// default implementation logs and counts; a real warehouse sink is an
// external collaborator that would implement Sink the same way.
package obs

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// FunctionRecord is the function-level record (spec §4.10.1).
type FunctionRecord struct {
	FunctionName    string
	VariantName     string
	EpisodeID       string
	InferenceID     string
	Input           any
	Output          any
	ToolParams      any
	SamplingParams  any
	Latency         time.Duration
	ProcessingTime  time.Duration
	Tags            map[string]string
	ExtraBody       any
	TTFT            time.Duration
}

// ModelInferenceRecord is one per adapter call actually made (spec §4.10.2).
type ModelInferenceRecord struct {
	ModelName    string
	ProviderName string
	RawRequest   string
	RawResponse  string
	InputTokens  int
	OutputTokens int
	ResponseTime time.Duration
	TTFT         time.Duration
	Cached       bool
	FinishReason string
	Timestamp    time.Time
}

// CacheEntryRecord mirrors a write to the response cache, for sinks that also
// want to observe cache traffic.
type CacheEntryRecord struct {
	ShortKey  uint64
	LongKey   string
	Timestamp time.Time
}

// Sink is the non-blocking observability interface (spec §6.3). Every method
// must return immediately; failures are logged, never propagated (spec
// invariant 6 / §7.5).
type Sink interface {
	WriteFunctionRecord(r FunctionRecord)
	WriteModelInferenceRecords(rs []ModelInferenceRecord)
	WriteCacheEntry(e CacheEntryRecord)

	// ExternalSpan records the duration of one "external" span (an upstream
	// provider HTTP call) for the overhead-latency histogram (§6.4).
	ExternalSpan(start, end time.Time)
}

// bufferCap bounds each channel the LogSink drains asynchronously; once a
// channel is full, the incoming record is dropped (records already buffered
// are kept, so this is drop-newest, not drop-oldest) and counted in the
// dropped-record gauge.
const bufferCap = 4096

// LogSink is the default Sink: logs each record and exposes Prometheus
// metrics. A durable warehouse sink (ClickHouse, Postgres, ...) is an
// external collaborator (spec §1) that would satisfy the same interface.
type LogSink struct {
	functionRecords chan FunctionRecord
	modelRecords     chan ModelInferenceRecord
	cacheRecords     chan CacheEntryRecord

	dropped *atomic.Int64

	overhead      prometheus.Histogram
	inferenceTotal *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	droppedGauge  prometheus.Gauge

	spansMu sync.Mutex
	spans   []span
}

type span struct{ start, end time.Time }

// NewLogSink builds a LogSink and registers its metrics against reg (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry
// in tests).
func NewLogSink(reg prometheus.Registerer) *LogSink {
	factory := promauto.With(reg)

	s := &LogSink{
		functionRecords: make(chan FunctionRecord, bufferCap),
		modelRecords:    make(chan ModelInferenceRecord, bufferCap),
		cacheRecords:    make(chan CacheEntryRecord, bufferCap),
		dropped:         atomic.NewInt64(0),

		overhead: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_latency_overhead_seconds",
			Help:    "Total request duration minus the union of external (provider HTTP) span durations.",
			Buckets: prometheus.DefBuckets,
		}),
		inferenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "model_inference_total",
			Help: "Count of model-inference attempts by model, provider and outcome.",
		}, []string{"model", "provider", "outcome"}),
		inferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "model_inference_latency_seconds",
			Help:    "Per-attempt model-inference latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "provider"}),
	}
	s.droppedGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "observability_dropped_records_total",
		Help: "Records dropped because the observability buffer was full.",
	})

	go s.drain()
	return s
}

func (s *LogSink) drain() {
	for {
		select {
		case r := <-s.functionRecords:
			log.Printf("obs: function=%s variant=%s episode=%s inference=%s latency=%s",
				r.FunctionName, r.VariantName, r.EpisodeID, r.InferenceID, r.Latency)
		case r := <-s.modelRecords:
			outcome := "ok"
			log.Printf("obs: model=%s provider=%s tokens_in=%d tokens_out=%d cached=%v",
				r.ModelName, r.ProviderName, r.InputTokens, r.OutputTokens, r.Cached)
			s.inferenceTotal.WithLabelValues(r.ModelName, r.ProviderName, outcome).Inc()
			s.inferenceLatency.WithLabelValues(r.ModelName, r.ProviderName).Observe(r.ResponseTime.Seconds())
		case r := <-s.cacheRecords:
			log.Printf("obs: cache write short=%d", r.ShortKey)
			_ = r
		}
	}
}

func (s *LogSink) WriteFunctionRecord(r FunctionRecord) {
	select {
	case s.functionRecords <- r:
	default:
		s.drop()
	}
}

func (s *LogSink) WriteModelInferenceRecords(rs []ModelInferenceRecord) {
	for _, r := range rs {
		select {
		case s.modelRecords <- r:
		default:
			s.drop()
		}
	}
}

func (s *LogSink) WriteCacheEntry(e CacheEntryRecord) {
	select {
	case s.cacheRecords <- e:
	default:
		s.drop()
	}
}

func (s *LogSink) drop() {
	s.dropped.Inc()
	s.droppedGauge.Set(float64(s.dropped.Load()))
}

// ExternalSpan records one external (provider HTTP) span. Overlapping spans
// are merged into disjoint intervals before the overhead histogram observes
// total-minus-external, per §6.4.
func (s *LogSink) ExternalSpan(start, end time.Time) {
	s.spansMu.Lock()
	s.spans = append(s.spans, span{start, end})
	s.spansMu.Unlock()
}

// ObserveOverhead computes total-request-duration minus the union of
// external spans recorded via ExternalSpan since the call started, and
// resets the span list for the next request. Call once per request, after
// the response (or stream) has terminated.
func (s *LogSink) ObserveOverhead(total time.Duration, reqStart time.Time) {
	s.spansMu.Lock()
	var spans []span
	for _, sp := range s.spans {
		if !sp.start.Before(reqStart) {
			spans = append(spans, sp)
		}
	}
	s.spans = nil
	s.spansMu.Unlock()

	external := mergeAndSum(spans)
	overhead := total - external
	if overhead < 0 {
		overhead = 0
	}
	s.overhead.Observe(overhead.Seconds())
}

func mergeAndSum(spans []span) time.Duration {
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })

	var total time.Duration
	curStart, curEnd := spans[0].start, spans[0].end
	for _, sp := range spans[1:] {
		if sp.start.After(curEnd) {
			total += curEnd.Sub(curStart)
			curStart, curEnd = sp.start, sp.end
			continue
		}
		if sp.end.After(curEnd) {
			curEnd = sp.end
		}
	}
	total += curEnd.Sub(curStart)
	return total
}
