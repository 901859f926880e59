package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/tabsplit/internal/auth"
	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/service"
	"github.com/mmynk/tabsplit/internal/session"
	"github.com/mmynk/tabsplit/internal/storage/blob"
	"github.com/mmynk/tabsplit/internal/sweeper"
)

const shutdownTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Connect server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireSecret(); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	blobs, dir, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	var extractor extract.Extractor
	if cfg.GeminiAPIKey != "" {
		gemini := extract.NewGeminiExtractor(cfg.GeminiAPIKey, extract.WithModel(cfg.GeminiModel))
		extractor = extract.NewCachingExtractor(gemini, store, slog.Default())
	} else {
		slog.Warn("Receipt extraction disabled, GEMINI_API_KEY is not set")
	}

	srv := service.New(service.Config{
		Store:     store,
		Blobs:     blobs,
		Extractor: extractor,
		Session: session.Options{
			Debounce:    cfg.PrivateDebounce,
			IdleTimeout: cfg.IdleTimeout,
		},
		Collab:        collab.ClientOptions{Debounce: cfg.CollabDebounce},
		PublicBaseURL: cfg.PublicBaseURL,
	})

	sw := sweeper.New(store, sweeper.Config{
		IdleTimeout:     cfg.IdleTimeout,
		CollabRetention: cfg.CollabRetention,
		Archive:         srv.ArchiveOwner,
		Evict:           srv.EvictIdle,
		EvictAfter:      cfg.EvictAfter,
	})
	if err := sw.Start(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sw.Stop()

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiry)
	mux := http.NewServeMux()
	srv.Register(mux, connect.WithInterceptors(
		middleware.IdentityInterceptor(jwtManager),
		middleware.LoggingInterceptor(),
	))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if dir != nil {
		mux.Handle("GET /receipts/", receiptHandler(dir))
	}

	// Wrap with h2c for HTTP/2 without TLS (required for Connect streaming)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h2c.NewHandler(corsMiddleware(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Connect server starting", "address", httpServer.Addr, "url", cfg.PublicBaseURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := srv.Close(shutdownCtx); err != nil {
		slog.Error("Failed to flush sessions on shutdown", "error", err)
		return err
	}
	return nil
}

// receiptHandler serves receipt images written by the dir blob store.
func receiptHandler(dir *blob.DirStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		f, err := dir.Open(key)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "failed to read receipt", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, key, info.ModTime(), f)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms, "+middleware.DisplayNameHeader)
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
