package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"medscan/internal/blob"
	"medscan/internal/config"
	"medscan/internal/inference"
	"medscan/internal/pipeline"
	"medscan/internal/queue"
	"medscan/internal/runner"
	"medscan/internal/store"
	"medscan/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	client := inference.NewClient(cfg.StageCallTimeout)
	pipe := pipeline.New(cfg, client)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	log.Info("worker started", "workers", cfg.WorkerCount, "stage_timeout", cfg.StageCallTimeout, "visibility", cfg.VisibilityTimeout)
	r := runner.New(cfg, log, q, st, blobs, pipe)
	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Warn("worker stopped", "err", err)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.BlobS3Bucket != "" {
		return blob.NewS3Store(ctx, cfg)
	}
	return blob.NewLocalStore(cfg.BlobLocalDir), nil
}
