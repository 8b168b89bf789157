// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SegmentsRotated   prometheus.Counter
	SegmentsDeleted   prometheus.Counter
	RecordingsStarted prometheus.Counter
	TriggersFired     *prometheus.CounterVec
	EventsDroppedStale prometheus.Counter
	ClipsExtracted    prometheus.Counter
	ClipsFailed       prometheus.Counter
	ClipsTruncated    prometheus.Counter
	UploadsSucceeded  prometheus.Counter
	UploadsFailed     prometheus.Counter
	UploadRetries     prometheus.Counter

	// Histograms (seconds)
	ExtractionDuration prometheus.Observer
	UploadDuration     prometheus.Observer

	// Gauges
	ActiveRecordingsGauge prometheus.Gauge
	WaitingJobsGauge      prometheus.Gauge
	UploadQueueGauge      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SegmentsRotated = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_segments_rotated_total", Help: "Number of segment rotations performed"})
		SegmentsDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_segments_deleted_total", Help: "Number of segments deleted by retention"})
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_recordings_started_total", Help: "Number of recordings started"})
		TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_triggers_fired_total", Help: "Number of trigger firings by kind"}, []string{"kind"})
		EventsDroppedStale = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_events_dropped_stale_total", Help: "Number of events dropped for excessive clock skew"})
		ClipsExtracted = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_extractions_succeeded_total", Help: "Number of clips extracted"})
		ClipsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_extractions_failed_total", Help: "Number of clip jobs that failed terminally"})
		ClipsTruncated = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_extractions_truncated_total", Help: "Number of clips truncated to available media"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_uploads_succeeded_total", Help: "Number of clip uploads succeeded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_uploads_failed_total", Help: "Number of clip uploads failed terminally"})
		UploadRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_upload_retries_total", Help: "Number of upload attempts re-queued after transient errors"})
		ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_extraction_duration_seconds", Help: "Clip extraction duration seconds", Buckets: prometheus.DefBuckets})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_upload_duration_seconds", Help: "Clip upload duration seconds", Buckets: prometheus.DefBuckets})
		ActiveRecordingsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_active_recordings", Help: "Current number of active recordings"})
		WaitingJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_jobs_waiting", Help: "Current number of clip jobs waiting for segment data"})
		UploadQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_upload_queue_depth", Help: "Current number of queued upload jobs"})
	})
}

// TriggerFired increments the firing counter for a trigger kind.
func TriggerFired(kind string) {
	if TriggersFired != nil {
		TriggersFired.WithLabelValues(kind).Inc()
	}
}

// SetWaitingJobs records the current waiting_for_segment job count.
func SetWaitingJobs(n int) {
	if WaitingJobsGauge != nil {
		WaitingJobsGauge.Set(float64(n))
	}
}

// SetUploadQueueDepth records the current queued upload job count.
func SetUploadQueueDepth(n int) {
	if UploadQueueGauge != nil {
		UploadQueueGauge.Set(float64(n))
	}
}

// SetActiveRecordings records the current active recording count.
func SetActiveRecordings(n int) {
	if ActiveRecordingsGauge != nil {
		ActiveRecordingsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
