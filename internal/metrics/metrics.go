// Package metrics provides the ambient metrics sink the object subsystem's
// core calls into. The HTTP exposition surface (a /metrics route) is out of
// scope per spec.md §1 ("logging/metrics sinks" are external collaborators);
// what lives here is the Recorder interface and a Prometheus-backed
// implementation the Repository facade (C14) drives, following the
// teacher's internal/metrics package shape (namespaced promauto vectors)
// without the HTTP/DB/auth metrics that belong to the excluded outer
// layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface the core calls into. Every method is a
// cheap, synchronous counter/gauge update; a NoopRecorder is used whenever
// the caller hasn't wired a Prometheus registry.
type Recorder interface {
	// CacheHit/CacheMiss record ODB LRU cache outcomes (C9).
	CacheHit()
	CacheMiss()

	// ObjectWritten records a completed ODB write: kind is "blob", "tree",
	// "commit", or "tag". For tree, commit, and tag objects storedBytes is
	// the compressed size written to the backend; for blobs it is the
	// blob's uncompressed size. Writes skipped by dedup are not recorded.
	ObjectWritten(kind string, storedBytes int64)

	// DeltaAccepted/DeltaRejected record the delta codec's accept-ratio
	// decision (C8).
	DeltaAccepted(savedBytes int64)
	DeltaRejected()

	// GCRun records one garbage-collection pass (C13): duration, objects
	// deleted across all three sweeps, and bytes reclaimed.
	GCRun(d time.Duration, objectsDeleted int, bytesFreed int64)
}

const namespace = "mediagit"

// Prometheus is a Recorder backed by promauto-registered collectors,
// namespaced the way the teacher namespaces every metric family.
type Prometheus struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	objectsWrittenTotal *prometheus.CounterVec
	objectBytesWritten  *prometheus.CounterVec

	deltaAccepted   prometheus.Counter
	deltaRejected   prometheus.Counter
	deltaBytesSaved prometheus.Counter

	gcRunsTotal      prometheus.Counter
	gcDuration       prometheus.Histogram
	gcObjectsDeleted prometheus.Counter
	gcBytesFreed     prometheus.Counter
}

// NewPrometheus registers the object subsystem's metric families against
// reg (use prometheus.DefaultRegisterer for the global registry, or a
// dedicated one in tests).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "odb", Name: "cache_hits_total",
			Help: "Object read-cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "odb", Name: "cache_misses_total",
			Help: "Object read-cache misses.",
		}),
		objectsWrittenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "odb", Name: "objects_written_total",
			Help: "Objects written, by kind.",
		}, []string{"kind"}),
		objectBytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "odb", Name: "object_bytes_written_total",
			Help: "Bytes written, by kind (uncompressed size for blobs, stored size for tree/commit/tag).",
		}, []string{"kind"}),
		deltaAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delta", Name: "accepted_total",
			Help: "Writes that used a delta encoding.",
		}),
		deltaRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delta", Name: "rejected_total",
			Help: "Candidate deltas that failed the accept-ratio test.",
		}),
		deltaBytesSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delta", Name: "bytes_saved_total",
			Help: "Estimated bytes saved by accepted deltas versus a full write.",
		}),
		gcRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "runs_total",
			Help: "Completed garbage-collection passes.",
		}),
		gcDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gc", Name: "duration_seconds",
			Help:    "Garbage-collection pass duration.",
			Buckets: prometheus.DefBuckets,
		}),
		gcObjectsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "objects_deleted_total",
			Help: "Loose objects, manifests, and chunks deleted by GC.",
		}),
		gcBytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "bytes_freed_total",
			Help: "Bytes reclaimed by GC.",
		}),
	}
}

func (p *Prometheus) CacheHit()  { p.cacheHits.Inc() }
func (p *Prometheus) CacheMiss() { p.cacheMisses.Inc() }

func (p *Prometheus) ObjectWritten(kind string, storedBytes int64) {
	p.objectsWrittenTotal.WithLabelValues(kind).Inc()
	if storedBytes > 0 {
		p.objectBytesWritten.WithLabelValues(kind).Add(float64(storedBytes))
	}
}

func (p *Prometheus) DeltaAccepted(savedBytes int64) {
	p.deltaAccepted.Inc()
	p.deltaBytesSaved.Add(float64(savedBytes))
}

func (p *Prometheus) DeltaRejected() { p.deltaRejected.Inc() }

func (p *Prometheus) GCRun(d time.Duration, objectsDeleted int, bytesFreed int64) {
	p.gcRunsTotal.Inc()
	p.gcDuration.Observe(d.Seconds())
	p.gcObjectsDeleted.Add(float64(objectsDeleted))
	p.gcBytesFreed.Add(float64(bytesFreed))
}

var _ Recorder = (*Prometheus)(nil)

// NoopRecorder discards every call. It is the Repository facade's default
// so the core never requires a Prometheus registry to function.
type NoopRecorder struct{}

func (NoopRecorder) CacheHit()                                                   {}
func (NoopRecorder) CacheMiss()                                                  {}
func (NoopRecorder) ObjectWritten(kind string, storedBytes int64)                {}
func (NoopRecorder) DeltaAccepted(savedBytes int64)                              {}
func (NoopRecorder) DeltaRejected()                                              {}
func (NoopRecorder) GCRun(d time.Duration, objectsDeleted int, bytesFreed int64) {}

var _ Recorder = NoopRecorder{}
