package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tilestream"

	LabelCache   = "cache"
	LabelDataset = "dataset"
	LabelResult  = "result"
	LabelStore   = "store"
)

// Retrieval results
const (
	ResultSuccess   = "success"
	ResultNotFound  = "not_found"
	ResultTransient = "transient"
	ResultCorrupt   = "corrupt"
	ResultLocal     = "local"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory_cache",
		Name:      "hits_total",
		Help:      "Memory cache lookups that found a tile.",
	}, []string{LabelCache})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory_cache",
		Name:      "misses_total",
		Help:      "Memory cache lookups that found nothing.",
	}, []string{LabelCache})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory_cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to make room.",
	}, []string{LabelCache})

	CacheUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memory_cache",
		Name:      "used_bytes",
		Help:      "Bytes currently held by the memory cache.",
	}, []string{LabelCache})

	RetrievalsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "queued",
		Help:      "Tasks waiting for a retrieval worker.",
	})

	RetrievalsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "active",
		Help:      "Tasks currently running on a retrieval worker.",
	})

	RetrievalsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "rejected_total",
		Help:      "Submissions refused because the queue was full or the task was a duplicate.",
	})

	RetrievalsStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "stale_total",
		Help:      "Tasks dropped because they waited longer than the stale request limit.",
	})

	TileLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "loads_total",
		Help:      "Tile load outcomes by dataset and result.",
	}, []string{LabelDataset, LabelResult})

	FrameRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selection",
		Name:      "requests_total",
		Help:      "Tile requests handed to the executor by frame selection.",
	}, []string{LabelDataset})

	FrameRequestsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selection",
		Name:      "requests_dropped_total",
		Help:      "Tile requests discarded at frame end for lack of executor capacity.",
	}, []string{LabelDataset})

	StoreBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_store",
		Name:      "written_bytes_total",
		Help:      "Bytes written to the tile file store.",
	}, []string{LabelStore})

	BulkJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bulk",
		Name:      "jobs_active",
		Help:      "Bulk prefetch jobs currently running.",
	})

	BulkTilesRetrieved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bulk",
		Name:      "tiles_retrieved_total",
		Help:      "Tiles filled by bulk prefetch.",
	}, []string{LabelDataset})

	FallbacksComposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "fallbacks_composed_total",
		Help:      "Tile responses drawn from an ancestor texture.",
	}, []string{LabelDataset})
)
