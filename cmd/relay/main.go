// Command relay publishes committed outbox messages to the RabbitMQ topic
// exchange.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bactrack/config"
	"bactrack/db"
	"bactrack/dedup"
	"bactrack/logger"
	"bactrack/mq"
	"bactrack/outbox"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $CONFIG_FILE or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("relay exited", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	if cfg.MQ.URL == "" {
		return errors.New("relay: mq.url (MQ_URL) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database, zl)
	if err != nil {
		return err
	}
	defer pool.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	relay := outbox.NewRelay(outbox.NewRepository(pool), publisher, zl.Named("outbox")).
		WithInterval(cfg.Relay.Interval).
		WithBatchSize(cfg.Relay.BatchSize).
		WithMaxAttempts(cfg.Relay.MaxAttempts)
	if cfg.Redis.Addr != "" {
		rdb := dedup.NewClient(cfg.Redis)
		defer rdb.Close()
		relay.WithDeduper(dedup.New(rdb, cfg.Redis.DedupTTL, zl.Named("dedup")))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.Relay.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !publisher.IsConnected() {
				http.Error(w, "broker connection lost", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: cfg.Relay.MetricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	zl.Info("relay publishing", zap.String("exchange", cfg.MQ.Exchange), zap.String("metrics_addr", cfg.Relay.MetricsAddr))
	return g.Wait()
}
