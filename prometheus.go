package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// PrometheusMetrics holds all Prometheus metric collectors for SSTV decoding and system metrics
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer

	// Decode metrics
	decodesTotal     *prometheus.CounterVec   // Finished decode attempts (by mode, outcome)
	visErrorsTotal   *prometheus.CounterVec   // Rejected VIS headers (by reason)
	linesDecoded     *prometheus.CounterVec   // Transmitted lines decoded (by mode)
	syncMissesTotal  prometheus.Counter       // Lines whose sync pulse was not found
	fskIDsTotal      prometheus.Counter       // Callsigns decoded after an image
	lineSNR          prometheus.Histogram     // Per-line video SNR in dB
	clampedSamples   prometheus.Counter       // Pixel tones outside black..white
	fittedSkew       *prometheus.GaugeVec     // Last fitted skew in ms/line (by mode)
	decodeDuration   *prometheus.HistogramVec // Wall time of a batch decode (by mode)
	rowsWrittenTotal prometheus.Counter       // Image rows delivered to sinks

	// Streaming metrics
	activeSessions       prometheus.Gauge       // Currently attached decode sessions
	wsConnectionsTotal   prometheus.Counter     // WebSocket connections accepted
	wsMessagesSentTotal  *prometheus.CounterVec // Protocol messages sent (by type)
	wsBytesReceivedTotal prometheus.Counter     // PCM payload bytes received
	sessionDuration      prometheus.Histogram   // Streaming session lifetime in seconds

	// Resource metrics
	cpuPercent       prometheus.Gauge // Host CPU utilisation
	goroutineCount   prometheus.Gauge // Current number of goroutines
	memoryAllocBytes prometheus.Gauge // Current memory allocated in bytes
	memoryHeapBytes  prometheus.Gauge // Current heap memory in bytes

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter // Total push attempts to Pushgateway
	pushgatewayFailuresTotal prometheus.Counter // Failed pushes to Pushgateway
	pushgatewayLastPushTime  prometheus.Gauge   // Unix timestamp of the last successful push
}

// NewPrometheusMetrics registers every collector with the default registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return newPrometheusMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newPrometheusMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		gatherer: gatherer,
		decodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstv_decodes_total",
				Help: "Finished SSTV decode attempts",
			},
			[]string{"mode", "outcome"},
		),
		visErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstv_vis_errors_total",
				Help: "VIS headers rejected for parity or an unknown code",
			},
			[]string{"reason"},
		),
		linesDecoded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstv_lines_decoded_total",
				Help: "Transmitted SSTV lines decoded",
			},
			[]string{"mode"},
		),
		syncMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_sync_misses_total",
			Help: "Lines decoded on prediction because no sync pulse was found",
		}),
		fskIDsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_fsk_ids_total",
			Help: "FSK callsigns decoded after an image",
		}),
		lineSNR: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sstv_line_snr_db",
			Help:    "Video-band SNR per decoded line",
			Buckets: prometheus.LinearBuckets(-10, 5, 12),
		}),
		clampedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_clamped_samples_total",
			Help: "Pixel tones outside the black..white range",
		}),
		fittedSkew: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sstv_fitted_skew_ms_per_line",
				Help: "Skew fitted from sync positions in the last image",
			},
			[]string{"mode"},
		),
		decodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sstv_decode_duration_seconds",
				Help:    "Wall time of a batch decode",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"mode"},
		),
		rowsWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_rows_written_total",
			Help: "Image rows delivered",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_active_sessions",
			Help: "Currently attached streaming decode sessions",
		}),
		wsConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_websocket_connections_total",
			Help: "WebSocket connections accepted",
		}),
		wsMessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstv_websocket_messages_sent_total",
				Help: "Binary protocol messages sent",
			},
			[]string{"type"},
		),
		wsBytesReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_websocket_pcm_bytes_total",
			Help: "PCM payload bytes received",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sstv_session_duration_seconds",
			Help:    "Streaming session lifetime",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_host_cpu_percent",
			Help: "Host CPU utilisation",
		}),
		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_memory_alloc_bytes",
			Help: "Currently allocated bytes",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_memory_heap_bytes",
			Help: "Heap allocated bytes",
		}),
		pushgatewayPushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_pushgateway_pushes_total",
			Help: "Push attempts to the Pushgateway",
		}),
		pushgatewayFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sstv_pushgateway_failures_total",
			Help: "Failed pushes to the Pushgateway",
		}),
		pushgatewayLastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sstv_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful push",
		}),
	}
}

func modeLabel(m *sstv.Mode) string {
	if m == nil {
		return "none"
	}
	return m.ShortName
}

// Observe records one session event. It is an sstv.Observer.
func (pm *PrometheusMetrics) Observe(ev sstv.Event) {
	if pm == nil {
		return
	}
	switch ev.Kind {
	case sstv.EventVISError:
		reason := "unknown_code"
		if errors.Is(ev.Err, sstv.ErrVISParity) {
			reason = "parity"
		}
		pm.visErrorsTotal.WithLabelValues(reason).Inc()
	case sstv.EventSyncMissed:
		pm.syncMissesTotal.Inc()
	case sstv.EventLineDecoded:
		pm.linesDecoded.WithLabelValues(modeLabel(ev.Mode)).Inc()
		pm.lineSNR.Observe(ev.Stats.SNR)
		pm.clampedSamples.Add(float64(ev.Stats.Clamped))
		pm.rowsWrittenTotal.Add(float64(ev.Rows))
	case sstv.EventImageComplete, sstv.EventSyncLost:
		pm.decodesTotal.WithLabelValues(modeLabel(ev.Mode), ev.Outcome.String()).Inc()
	case sstv.EventFSKID:
		pm.fskIDsTotal.Inc()
	}
}

// RecordResult records what the events of a batch decode do not carry.
func (pm *PrometheusMetrics) RecordResult(res sstv.Result, elapsed time.Duration) {
	if pm == nil {
		return
	}
	if res.Outcome == sstv.OutcomeNoImage {
		pm.decodesTotal.WithLabelValues(modeLabel(res.Mode), res.Outcome.String()).Inc()
		return
	}
	pm.decodeDuration.WithLabelValues(modeLabel(res.Mode)).Observe(elapsed.Seconds())
	pm.fittedSkew.WithLabelValues(modeLabel(res.Mode)).Set(res.Timing.SkewMsPerLine)
}

func (pm *PrometheusMetrics) RecordSessionStart() {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.activeSessions.Inc()
}

func (pm *PrometheusMetrics) RecordSessionEnd(duration time.Duration) {
	if pm == nil {
		return
	}
	pm.activeSessions.Dec()
	pm.sessionDuration.Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordMessageSent(msgType byte) {
	if pm == nil {
		return
	}
	pm.wsMessagesSentTotal.WithLabelValues(fmt.Sprintf("0x%02X", msgType)).Inc()
}

func (pm *PrometheusMetrics) RecordPCMBytes(n int) {
	if pm == nil {
		return
	}
	pm.wsBytesReceivedTotal.Add(float64(n))
}

// updateResourceMetrics updates runtime and host resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	// Percent since the previous call; the first call only primes the counters.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
}

// StartResourceUpdater refreshes resource metrics until ctx is cancelled.
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config, interval time.Duration) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	log.Printf("[Prometheus] Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%s",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[Prometheus] Pushgateway worker stopped")
				return
			case <-ticker.C:
				if err := pm.Push(pgConfig); err != nil {
					log.Printf("[Prometheus] ERROR: %v", err)
				}
			}
		}
	}()
}

// Push sends the current metrics to the Pushgateway once.
func (pm *PrometheusMetrics) Push(pgConfig PushgatewayConfig) error {
	if pm == nil {
		return fmt.Errorf("prometheus metrics not initialized")
	}
	pm.pushgatewayPushesTotal.Inc()

	pusher := push.New(pgConfig.URL, pgConfig.Job).Gatherer(pm.gatherer)
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
		if pgConfig.Token != "" {
			pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
		}
	}

	if err := pusher.Push(); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	return nil
}
