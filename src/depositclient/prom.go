package depositclient

import (
	"net/http"
	"strconv"
	"time"

	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	disconnectDialError = "dial_error"
	disconnectError     = "error"
	disconnectClosed    = "closed"
	disconnectKeepalive = "keepalive_timeout"
)

var sourceLabels = []string{"source_id"}

var (
	connectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_client_connections_opened_total",
		Help: "Number of upstream connections that reached the open state",
	}, sourceLabels)

	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_client_disconnects_total",
		Help: "Number of upstream connections lost or never established, by reason",
	}, append(sourceLabels, "reason"))

	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deposit_client_open_connections",
		Help: "Upstream connections currently open",
	})

	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_client_protocol_errors_total",
		Help: "Inbound messages dropped because they could not be decoded",
	}, sourceLabels)

	depositsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_client_deposits_total",
		Help: "Deposit events processed, by outcome",
	}, append(sourceLabels, "result"))

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deposit_client_ingest_duration_seconds",
		Help:    "Time spent persisting a single deposit event",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
	})
)

func sourceLabel(id model.SourceID) string {
	return strconv.FormatInt(int64(id), 10)
}

func RecordConnect(id model.SourceID) {
	connectionsOpened.WithLabelValues(sourceLabel(id)).Inc()
	connectionsOpen.Inc()
}

func RecordDisconnect(id model.SourceID, reason string) {
	disconnects.WithLabelValues(sourceLabel(id), reason).Inc()
}

func RecordProtocolError(id model.SourceID) {
	protocolErrors.WithLabelValues(sourceLabel(id)).Inc()
}

func RecordDeposit(id model.SourceID, result IngestResult, took time.Duration) {
	depositsIngested.WithLabelValues(sourceLabel(id), string(result)).Inc()
	ingestDuration.Observe(took.Seconds())
}

func StartPromServer(logger *zap.Logger, port string) {
	logger.Info("starting prom server on port " + port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("prom server exited", zap.Error(err))
		}
	}()
}
