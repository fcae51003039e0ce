// Package metrics provides Prometheus metrics for the workbench server.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Tree metrics
	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_file_operations_total",
			Help: "Total file operations by kind and outcome",
		},
		[]string{"op", "status"},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_bytes_written_total",
			Help: "Total bytes written into the workspace",
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_tree_files",
			Help: "Number of files seen by the last tree listing",
		},
	)

	treeListDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workbench_tree_list_duration_seconds",
			Help:    "Time to walk the workspace tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_uploads_total",
			Help: "Total upload requests",
		},
		[]string{"status"},
	)

	archiveMembersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_archive_members_extracted_total",
			Help: "Total files extracted from uploaded archives",
		},
	)

	// Command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_commands_total",
			Help: "Total commands executed by outcome",
		},
		[]string{"outcome"},
	)

	commandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workbench_command_duration_seconds",
			Help:    "Command wall-clock duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	// Push channel metrics
	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_subscribers_active",
			Help: "Number of connected push subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"type"},
	)

	// Audit metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_db_query_duration_seconds",
			Help:    "Audit database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Mirror metrics
	mirrorOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_mirror_operations_total",
			Help: "Total mirror replication operations",
		},
		[]string{"backend", "op", "status"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFileOp records a save, delete or read.
func RecordFileOp(op string, success bool) {
	fileOpsTotal.WithLabelValues(op, status(success)).Inc()
}

// RecordBytesWritten adds to the written byte counter.
func RecordBytesWritten(n int64) {
	bytesWritten.Add(float64(n))
}

// RecordTreeList records a full tree walk.
func RecordTreeList(files int, duration time.Duration) {
	treeSize.Set(float64(files))
	treeListDuration.Observe(duration.Seconds())
}

// RecordUpload records an upload request.
func RecordUpload(success bool) {
	uploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordArchiveMembers records extracted archive members.
func RecordArchiveMembers(n int) {
	archiveMembersTotal.Add(float64(n))
}

// RecordCommand records a command execution. Outcome is one of success,
// failure, timeout or rejected.
func RecordCommand(outcome string, duration time.Duration) {
	commandsTotal.WithLabelValues(outcome).Inc()
	commandDuration.Observe(duration.Seconds())
}

// SetSubscribersActive sets the number of connected subscribers.
func SetSubscribersActive(count int64) {
	subscribersActive.Set(float64(count))
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber.
func RecordEventDropped(eventType string) {
	eventsDropped.WithLabelValues(eventType).Inc()
}

// RecordDBQuery records an audit database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordMirrorOp records a mirror replication attempt.
func RecordMirrorOp(backend, op string, success bool) {
	mirrorOpsTotal.WithLabelValues(backend, op, status(success)).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics. It must
// sit directly around the ServeMux so the matched route pattern is visible.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
