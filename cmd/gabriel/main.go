package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/juju/loggo"

	"github.com/SurmountSystems/gabriel-v3/internal/aggregates"
	"github.com/SurmountSystems/gabriel-v3/internal/bus"
	"github.com/SurmountSystems/gabriel-v3/internal/database"
	"github.com/SurmountSystems/gabriel-v3/internal/ingest"
	"github.com/SurmountSystems/gabriel-v3/internal/source"
	"github.com/SurmountSystems/gabriel-v3/internal/utxo"
)

const defaultLogLevel = "INFO"

var log = loggo.GetLogger("gabriel")

func main() {
	loggo.ConfigureLoggers(getEnvOrDefault("GABRIEL_LOG_LEVEL", defaultLogLevel))

	if err := run(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	sqlitePath := getEnvOrDefault("SQLITE_ABSOLUTE_PATH", "./db/gabriel_p2pk.db")
	levelDBHome := getEnvOrDefault("GABRIEL_LEVELDB_HOME", "./db/gabriel_utxo")
	network := getEnvOrDefault("GABRIEL_NETWORK", "mainnet")
	httpListen := getEnvOrDefault("GABRIEL_HTTP_LISTEN", ":3000")
	promListen := getEnvOrDefault("GABRIEL_PROMETHEUS_LISTEN", "")

	runAnalysis, err := getEnvBoolOrDefault("RUN_NAKAMOTO_ANALYSIS", true)
	if err != nil {
		return err
	}
	peerCount, err := getEnvIntOrDefault("NAKAMOTO_PEER_COUNT", 4)
	if err != nil {
		return err
	}
	safetyDepth, err := getEnvIntOrDefault("GABRIEL_REORG_SAFETY_DEPTH", 100)
	if err != nil {
		return err
	}

	utxoStore, err := utxo.Open(levelDBHome)
	if err != nil {
		return fmt.Errorf("open utxo index: %w", err)
	}
	defer utxoStore.Close()

	aggStore, err := aggregates.Open(sqlitePath)
	if err != nil {
		return fmt.Errorf("open aggregates store: %w", err)
	}
	defer aggStore.Close()

	if err := reconcileTip(utxoStore, aggStore); err != nil {
		return fmt.Errorf("reconcile chain tip: %w", err)
	}
	if err := utxoStore.VerifyCounters(); err != nil {
		return fmt.Errorf("verify utxo counters: %w", err)
	}

	cfg := ingest.Config{
		Source: source.Config{
			Network:     network,
			PeersWanted: peerCount,
			Disabled:    !runAnalysis,
		},
		SafetyDepth:          uint32(safetyDepth),
		HTTPListenAddress:    httpListen,
		PrometheusListenAddr: promListen,
	}
	srv := ingest.New(cfg, utxoStore, aggStore, bus.New(bus.DefaultBufferSize))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

// reconcileTip asserts a boot-time invariant: the Aggregates Store's
// highest committed height never exceeds the UTXO Index's ChainTip
// height. A crash during a reorg, between the UTXO Index's RewindTo and
// the Aggregates Store's DeleteAbove, leaves the Aggregates Store ahead;
// truncating it back into agreement is cheaper and safer than rewinding
// the UTXO Index. An Aggregates Store that is behind the UTXO Index is
// not changed here.
func reconcileTip(utxoStore *utxo.Store, aggStore *aggregates.Store) error {
	utxoTip, hasUtxoTip := utxoStore.Tip()
	if !hasUtxoTip {
		if _, err := aggStore.ChainTip(); err == nil {
			return fmt.Errorf("aggregates store has a chain tip but utxo index has none")
		}
		return nil
	}

	aggTip, err := aggStore.ChainTip()
	if err != nil {
		if database.ErrZeroRows.Is(err) {
			// No aggregates committed yet but the UTXO Index has a
			// tip: nothing to truncate.
			return nil
		}
		return err
	}
	if aggTip.Height > utxoTip.Height {
		log.Warnf("aggregates store ahead of utxo index (agg=%d utxo=%d), truncating", aggTip.Height, utxoTip.Height)
		return aggStore.DeleteAbove(utxoTip.Height)
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
