// Command rendezvous runs the signaling fabric described in spec.md section
// 4.1 as a standalone process: a WebSocket endpoint that pairs hosts and
// clients by session id and relays offer/answer/ICE-candidate traffic
// between them. It carries no session or assistant state of its own.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/jl1nie/vibe-coder-go/internal/rendezvous"
	"github.com/jl1nie/vibe-coder-go/internal/rendezvousconfig"
)

const shutdownTimeout = 30 * time.Second

func main() {
	initLogger()

	cfg, err := rendezvousconfig.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	hub := rendezvous.NewHub(slog.Default())

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.ServeWS)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","sessions":` + strconv.Itoa(hub.SessionCount()) + `}`))
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweepLoop(sweepCtx, hub, time.Duration(cfg.SweepInterval)*time.Second)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rendezvous listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("rendezvous server error", "error", err)
	}

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("rendezvous shut down cleanly")
}

func runSweepLoop(ctx context.Context, hub *rendezvous.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.SweepIdle()
		}
	}
}

func initLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}

