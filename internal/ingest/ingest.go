// Package ingest wires the long-lived tasks of the quantum-exposure
// pipeline together: the Block Source Adapter feeding BlockEvents, the
// Block Processor committing them, the metrics server, and the HTTP
// façade. It drives their coordinated startup and shutdown: a
// context.WithCancel plus a sync.WaitGroup of long-lived goroutines, an
// error channel fed by whichever task can fail fatally, and a single
// select on ctx.Done()/errC that triggers cancellation and then waits
// for every task to exit.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SurmountSystems/gabriel-v3/internal/aggregates"
	"github.com/SurmountSystems/gabriel-v3/internal/bus"
	"github.com/SurmountSystems/gabriel-v3/internal/httpapi"
	"github.com/SurmountSystems/gabriel-v3/internal/metrics"
	"github.com/SurmountSystems/gabriel-v3/internal/processor"
	"github.com/SurmountSystems/gabriel-v3/internal/source"
	"github.com/SurmountSystems/gabriel-v3/internal/utxo"
)

var log = loggo.GetLogger("ingest")

// Config collects every long-lived task's configuration.
type Config struct {
	Source              source.Config
	SafetyDepth         uint32
	HTTPListenAddress    string
	PrometheusListenAddr string // empty disables the metrics server
}

// Server owns the ingest task, the HTTP façade, and (optionally) the
// metrics server, and runs them until shutdown.
type Server struct {
	cfg Config

	utxoStore *utxo.Store
	aggStore  *aggregates.Store
	proc      *processor.Processor
	adapter   *source.Adapter
	http      *httpapi.Server

	wg      sync.WaitGroup
	running bool
	mtx     sync.Mutex
}

// New wires every component from already-open stores and returns a
// Server ready for Run. The caller owns opening/closing utxoStore and
// aggStore (their Close happens after Run returns, in main).
func New(cfg Config, utxoStore *utxo.Store, aggStore *aggregates.Store, b *bus.Bus) *Server {
	adapter := source.New(cfg.Source)
	if tip, ok := utxoStore.Tip(); ok {
		adapter.Resume(tip.Height, chainhash.Hash(tip.Hash))
	}

	proc := processor.New(utxoStore, aggStore, b, adapter, cfg.SafetyDepth)
	httpSrv := httpapi.New(aggStore, b, cfg.HTTPListenAddress)

	return &Server{
		cfg:       cfg,
		utxoStore: utxoStore,
		aggStore:  aggStore,
		proc:      proc,
		adapter:   adapter,
		http:      httpSrv,
	}
}

func (s *Server) testAndSetRunning(running bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running == running {
		return false
	}
	s.running = running
	return true
}

func (s *Server) promRunning() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return 1
	}
	return 0
}

// Run starts every configured task and blocks until pctx is cancelled
// or a task fails fatally (deep reorg, peer failure past retry, storage
// corruption). Any in-flight commit finishes and ChainTip is left
// durably persisted before shutdown proceeds.
func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return fmt.Errorf("ingest already running")
	}
	defer s.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	if s.cfg.PrometheusListenAddr != "" {
		m, err := metrics.New(metrics.Config{ListenAddress: s.cfg.PrometheusListenAddr})
		if err != nil {
			return fmt.Errorf("create metrics server: %w", err)
		}
		cs := []prometheus.Collector{
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "gabriel",
				Name:      "running",
				Help:      "Is the gabriel ingest task running.",
			}, s.promRunning),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := m.Run(ctx, cs); err != nil && err != context.Canceled {
				log.Errorf("metrics server terminated with error: %v", err)
			}
		}()
	}

	errC := make(chan error, 2)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Run(ctx); err != nil {
			select {
			case errC <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()

	if !s.cfg.Source.Disabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.runIngestLoop(ctx); err != nil {
				select {
				case errC <- err:
				default:
				}
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		// pctx was cancelled or its deadline passed: a clean shutdown.
	case e := <-errC:
		err = e
	}
	cancel()

	log.Infof("gabriel ingest shutting down")
	s.wg.Wait()
	log.Infof("gabriel ingest clean shutdown")

	if err == context.Canceled {
		return nil
	}
	return err
}

// runIngestLoop drains the Block Source Adapter and hands every event
// to the Processor. It returns the first fatal error (deep reorg guard
// trip, parse failure, storage failure); the caller treats any returned
// error as unrecoverable and exits nonzero.
func (s *Server) runIngestLoop(ctx context.Context) error {
	adapterErrC := make(chan error, 1)
	go func() {
		adapterErrC <- s.adapter.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-adapterErrC
			return nil
		case event, ok := <-s.adapter.Events():
			if !ok {
				return <-adapterErrC
			}
			if err := s.proc.Process(ctx, event); err != nil {
				return fmt.Errorf("process block height %d: %w", event.Height, err)
			}
		}
	}
}
