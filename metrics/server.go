package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildInfo is set to 1 for the app and version that started the metrics server.
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Build information of the running binary",
	},
	[]string{"app", "version"},
)

// MetricsServer exposes the default Prometheus registry on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for app listening on addr.
func New(app, version, addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}

	BuildInfo.WithLabelValues(app, version).Set(1)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler serving /metrics.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

// ListenAndServe blocks until the server stops.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
