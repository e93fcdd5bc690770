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

	"go.uber.org/zap"

	"bactrack/account"
	"bactrack/auth"
	"bactrack/config"
	"bactrack/db"
	"bactrack/logger"
	"bactrack/outbox"
	"bactrack/project"
	"bactrack/stage"
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
		zl.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database, zl)
	if err != nil {
		return err
	}
	defer pool.Close()

	tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	projectRepo := project.NewRepository(pool)
	projectService := project.NewService(pool, projectRepo).WithTimeout(cfg.Database.OperationTimeout)
	engine := stage.NewEngine(pool, stage.NewRepository(), projectRepo, outbox.NewRepository(pool)).
		WithTimeout(cfg.Database.OperationTimeout).
		WithLogger(zl.Named("stage"))

	server := &Server{
		projectService: projectService,
		stageEngine:    engine,
		accounts:       account.NewService(account.NewRepository(pool)),
		logger:         zl,
		ready:          pool.Ping,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.routes(tokens),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("api listening", zap.String("addr", cfg.Server.Addr), zap.Int("stages", engine.Order().Len()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
