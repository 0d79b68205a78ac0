// The gateway binary fronts the upstream service with per-request payments.
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

	"github.com/cheddr-labs/cheddr-go/facilitator"
	"github.com/cheddr-labs/cheddr-go/gateway"
	"github.com/cheddr-labs/cheddr-go/ledger/client"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := gateway.ConfigFromEnv()
	if err != nil {
		return err
	}

	sequencer := client.New(client.Config{URL: cfg.SequencerURL})
	fac := facilitator.New(facilitator.Config{URL: cfg.FacilitatorURL})

	g := gateway.New(cfg, sequencer, fac, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           g.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
