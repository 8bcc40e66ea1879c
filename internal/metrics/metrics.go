// Package metrics provides Prometheus metrics for the probe web server.
package metrics

import (
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
			Name: "probed_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probed_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Wi-Fi metrics
	wifiScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_wifi_scans_total",
			Help: "Total Wi-Fi scans",
		},
		[]string{"status"},
	)

	wifiScanNetworks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_wifi_scan_networks",
			Help: "Number of networks seen by the last successful scan",
		},
	)

	wifiCredentialsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_wifi_credentials_stored",
			Help: "Number of stored Wi-Fi credentials",
		},
	)

	// Firmware metrics
	firmwareBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probed_firmware_bytes_uploaded_total",
			Help: "Total firmware image bytes received",
		},
	)

	firmwareUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_firmware_updates_total",
			Help: "Total firmware update attempts",
		},
		[]string{"status"},
	)

	// SD card metrics
	sdBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probed_sd_bytes_downloaded_total",
			Help: "Total bytes served from the SD card",
		},
	)

	sdDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_sd_downloads_total",
			Help: "Total SD card downloads",
		},
		[]string{"status"},
	)

	sdDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_sd_deletes_total",
			Help: "Total SD card file deletions",
		},
		[]string{"status"},
	)

	sdImages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_sd_images",
			Help: "Number of images on the SD card at the last listing",
		},
	)

	sdFreeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_sd_free_bytes",
			Help: "Free bytes on the SD card at the last status check",
		},
	)

	// Auth and rate limiting
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probed_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Database
	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// S3
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probed_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWifiScan records a scan and, on success, the number of networks seen.
func RecordWifiScan(networks int, success bool) {
	wifiScansTotal.WithLabelValues(statusLabel(success)).Inc()
	if success {
		wifiScanNetworks.Set(float64(networks))
	}
}

// SetWifiCredentials sets the number of stored credentials.
func SetWifiCredentials(count int) {
	wifiCredentialsStored.Set(float64(count))
}

// RecordFirmwareUpdate records a firmware update attempt. status is one of
// "applied", "failed", "rejected" or "busy".
func RecordFirmwareUpdate(bytes int64, status string) {
	firmwareBytesUploaded.Add(float64(bytes))
	firmwareUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordSDDownload records a file served from the card.
func RecordSDDownload(bytes int64, success bool) {
	sdBytesDownloaded.Add(float64(bytes))
	sdDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSDDelete records a delete attempt.
func RecordSDDelete(success bool) {
	sdDeletesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetSDImages sets the image count gauge.
func SetSDImages(count int) {
	sdImages.Set(float64(count))
}

// SetSDFreeBytes sets the free-space gauge.
func SetSDFreeBytes(free uint64) {
	sdFreeBytes.Set(float64(free))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// used as labels directly; the route set is small and fixed.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

var knownRoutes = map[string]bool{
	"/": true, "/settings": true, "/health": true, "/events": true,
	"/login": true, "/logout": true,
	"/wifi_scan": true, "/wifi_add": true, "/wifi_clear": true, "/wifi_saved": true,
	"/update": true, "/update_history": true,
	"/sd_status": true, "/sd_list": true, "/sd_download": true, "/sd_delete": true, "/sd_thumb": true,
}

// routeLabel keeps label cardinality bounded against arbitrary request paths.
func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}
