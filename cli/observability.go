package cli

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/docforge/config"
	"github.com/evalgo/docforge/metrics"
	"github.com/evalgo/docforge/monitor"
	"github.com/evalgo/docforge/runcoordinator"
)

// startObservabilityServer exposes /metrics (Prometheus) and /ws (the
// operator dashboard's live run/worker status feed) on cfg.Observability.Addr,
// running until ctx is canceled. A nil *metrics.Metrics or *monitor.Hub
// simply skips registering its route. Returns immediately without
// starting a server if Addr is unset or neither route is enabled.
func startObservabilityServer(ctx context.Context, cfg *config.Config, m *metrics.Metrics, hub *monitor.Hub, logger *logrus.Entry) {
	if cfg.Observability.Addr == "" {
		return
	}
	if !cfg.Observability.MetricsEnabled && !cfg.Observability.MonitorEnabled {
		return
	}

	mux := http.NewServeMux()
	if cfg.Observability.MetricsEnabled && m != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Observability.MonitorEnabled && hub != nil {
		mux.Handle("/ws", hub)
	}

	srv := &http.Server{Addr: cfg.Observability.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), secondsToDuration(5))
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.WithError(err).Warn("observability: server exited")
			}
		}
	}()

	if logger != nil {
		logger.WithField("addr", cfg.Observability.Addr).Info("observability: serving /metrics and /ws")
	}
}

// buildMetrics constructs the Prometheus metric set when enabled, so
// callers pass a non-nil *metrics.Metrics to the worker/coordinator only
// when there's somewhere to scrape it.
func buildMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Observability.MetricsEnabled {
		return nil
	}
	return metrics.New("docforge")
}

// buildMonitorHub constructs the dashboard hub and attaches it to coord
// when enabled.
func buildMonitorHub(cfg *config.Config, coord *runcoordinator.Coordinator, logger *logrus.Entry) *monitor.Hub {
	if !cfg.Observability.MonitorEnabled {
		return nil
	}
	hub := monitor.NewHub(logger)
	coord.SetMonitor(hub)
	return hub
}
