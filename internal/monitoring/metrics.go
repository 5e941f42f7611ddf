package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prometheus collectors for the gateway. Registered on the default
// registry; served by the standalone metrics server below.
var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of registered connections",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Connections rejected at the accept path (capacity)",
	})

	HandshakesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_handshakes_failed_total",
		Help: "WebSocket upgrade handshakes that failed",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Frames received from clients",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Frames written to clients",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Payload bytes received from clients",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Frame bytes written to clients",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Broadcast envelopes fanned out, by envelope type",
	}, []string{"type"})

	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_dropped_sends_total",
		Help: "Envelope sends dropped because the client buffer was full",
	})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_evictions_total",
		Help: "Clients terminated by the gateway, by reason",
	}, []string{"reason"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_store_errors_total",
		Help: "Persistent store call failures, by operation",
	}, []string{"op"})
)

// Eviction reasons.
const (
	EvictReasonPongTimeout = "pong_timeout"
	EvictReasonSlowClient  = "slow_client"
	EvictReasonReadError   = "read_error"
	EvictReasonWriteError  = "write_error"
	EvictReasonProtocol    = "protocol_error"
	EvictReasonClientClose = "client_close"
	EvictReasonShutdown    = "server_shutdown"
)

// MetricsServer serves /metrics on its own listener so scrapes never
// contend with the chat listener.
type MetricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewMetricsServer builds the metrics HTTP server for addr.
func NewMetricsServer(addr string, logger zerolog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves in a background goroutine.
func (m *MetricsServer) Start() {
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("Metrics server listening")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

// Stop shuts the metrics server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
