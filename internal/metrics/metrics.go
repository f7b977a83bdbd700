// Package metrics runs a tiny HTTP server that serves
// promhttp.HandlerFor over a fresh registry of prometheus collectors, as
// a long-lived task alongside ingest.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("metrics")

// Config configures the metrics server.
type Config struct {
	ListenAddress string
}

// Server serves /metrics for a set of registered collectors.
type Server struct {
	cfg Config
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("metrics: listen address required")
	}
	return &Server{cfg: cfg}, nil
}

// Run registers cs against a fresh registry and serves it until ctx is
// cancelled, mirroring deucalion's Run(ctx, collectors) signature.
func (s *Server) Run(ctx context.Context, cs []prometheus.Collector) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	registry := prometheus.NewRegistry()
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: mux,
	}

	errC := make(chan error, 1)
	go func() {
		log.Infof("metrics server listening on %v", s.cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
			return
		}
		errC <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errC
		return ctx.Err()
	case err := <-errC:
		return err
	}
}
