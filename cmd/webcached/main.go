// Command webcached is a demonstration HTTP front end for the layered
// cache: it wires a Memory store, an optional File tier, and an
// optional S3 tier behind interceptor.Handler and a single Fetcher
// source, served over h2c — the same shape as the teacher's root
// main.go (healthcheck subcommand, signal-driven graceful shutdown,
// h2c wrapping), generalized from one fixed OCI-proxy handler to
// webcache's own Memory|File|S3|HTTP pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/danielloader/webcache/fetcher"
	"github.com/danielloader/webcache/internal/config"
	"github.com/danielloader/webcache/interceptor"
	"github.com/danielloader/webcache/layeredcache"
	"github.com/danielloader/webcache/resource"
	"github.com/danielloader/webcache/store/file"
	"github.com/danielloader/webcache/store/memory"
	s3store "github.com/danielloader/webcache/store/s3"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget
	// available). Usage: webcached -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := buildCache(ctx, cfg)
	if err != nil {
		slog.Error("failed to build cache", "error", err)
		os.Exit(1)
	}

	whitelist := resource.DefaultWhitelist
	for _, name := range cfg.HeaderWhitelist {
		whitelist.Add(name)
	}

	handler := interceptor.New(cache, whitelist)
	logged := interceptor.LoggingMiddleware(handler)

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(logged, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// buildCache assembles the Memory | File | S3? | HTTP pipeline
// described in spec §6: Memory always fronts the chain, File joins
// when FS_ROOT is set, S3 joins when S3_BUCKET is set, and the
// Fetcher is always the innermost Source.
func buildCache(ctx context.Context, cfg config.Config) (*layeredcache.Cache, error) {
	mem := memory.New(cfg.MemoryCostLimitBytes, cfg.MemoryCountLimit)
	cache := layeredcache.New(mem)

	var inner layeredcache.Source = fetcher.New()

	if cfg.S3Bucket != "" {
		s3Store, err := s3store.New(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
		if err != nil {
			return nil, err
		}
		inner = layeredcache.New(s3Store).Connect(inner)
	}

	if cfg.FSRoot != "" {
		fileStore := file.NewStore(cfg.FSRoot)
		inner = layeredcache.New(fileStore).Connect(inner)
	}

	cache.Connect(inner)
	return cache, nil
}
