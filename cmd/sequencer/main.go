// The sequencer binary hosts the ledger-of-record service.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cheddr-labs/cheddr-go/channel"
	"github.com/cheddr-labs/cheddr-go/ledger"
	"github.com/cheddr-labs/cheddr-go/ledger/pg"
	"github.com/cheddr-labs/cheddr-go/onchain"
	"github.com/cheddr-labs/cheddr-go/sequencer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("sequencer exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := sequencer.ConfigFromEnv()
	if err != nil {
		return err
	}

	signer, err := channel.NewSignerFromHex(cfg.PrivateKey)
	if err != nil {
		return err
	}

	var storeOpts []ledger.Option
	var persisted *pg.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		persisted = pg.New(pool)
		if err := persisted.InitSchema(ctx); err != nil {
			return err
		}
		storeOpts = append(storeOpts, ledger.WithPersister(persisted))
	}

	store := ledger.NewStore(storeOpts...)
	if persisted != nil {
		states, err := persisted.LoadAll(ctx)
		if err != nil {
			return err
		}
		store.Restore(states)
		logger.Info("ledger restored", "channels", len(states))
	}

	var chain sequencer.ChainReader
	if cfg.RPCURL != "" {
		manager, err := channel.ParseAddress(cfg.ChannelManager)
		if err != nil {
			return err
		}
		cm, err := onchain.NewChannelManager(cfg.RPCURL, manager)
		if err != nil {
			return err
		}
		chain = cm
	}

	service, err := sequencer.New(cfg, store, signer, chain, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           service.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sequencer listening", "addr", cfg.ListenAddr, "signer", signer.Address().Hex())
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
