package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/internal/config"
	"github.com/ursadefi/ursapay/pkg/api"
	"github.com/ursadefi/ursapay/pkg/app"
	"github.com/ursadefi/ursapay/pkg/events"
	"github.com/ursadefi/ursapay/pkg/notary"
	"github.com/ursadefi/ursapay/pkg/observer"
	"github.com/ursadefi/ursapay/pkg/reconciler"
	"github.com/ursadefi/ursapay/pkg/storage"
	"github.com/ursadefi/ursapay/pkg/storage/sqlstore"
	"github.com/ursadefi/ursapay/pkg/tagging"
	"github.com/ursadefi/ursapay/pkg/xrpl"
)

func main() {
	cfg := config.Load()
	log := app.Logger(cfg.App.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.Storage.DatabasePath == "" {
		store = storage.NewMemStore()
	} else {
		var err error
		store, err = sqlstore.Open(cfg.Storage.DatabasePath)
		if err != nil {
			log.Fatal("open store", zap.Error(err))
		}
	}

	client := xrpl.NewClient(log, cfg.Ledger.Endpoint)
	allocator := tagging.NewAllocator(store)
	dispatcher := events.NewDispatcher(log)
	eventCh := dispatcher.Run()

	obs := observer.New(log, client, store, cfg.Ledger.ReceiverAddress,
		cfg.Ledger.PageLimit, cfg.Ledger.LookbackLedgers, cfg.Ledger.SeenCapacity)
	matcher := reconciler.NewMatcher(log, store, cfg.Reconciler.AmountTolerance, eventCh)
	engine := reconciler.NewEngine(log, client, obs, matcher, cfg.Ledger.PollInterval)

	var notarizer api.Notarizer
	if cfg.Ledger.WalletSeed != "" {
		wallet, err := xrpl.WalletFromSeed(cfg.Ledger.ReceiverAddress, cfg.Ledger.WalletSeed)
		if err != nil {
			log.Fatal("wallet init", zap.Error(err))
		}
		// the notary gets its own connection so a long submit cannot stall
		// an in-flight poll cycle
		notarizer = notary.New(log, xrpl.NewClient(log, cfg.Ledger.Endpoint), wallet, cfg.Ledger.NotaryDestination)
	} else {
		log.Warn("WALLET_SEED not set, notarization disabled")
	}

	go func() {
		metrics := http.Server{
			Addr:    fmt.Sprintf(":%v", cfg.App.MetricsPort),
			Handler: promhttp.Handler(),
		}
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	h := api.NewHandler(log, store, allocator, dispatcher, notarizer,
		cfg.Ledger.ReceiverAddress, cfg.Issuer.Name)
	httpServer := http.Server{
		Addr:    fmt.Sprintf(":%v", cfg.API.Port),
		Handler: h.Router(),
	}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen and serve", zap.Error(err))
			stop()
		}
	}()

	log.Info("reconciliation engine started",
		zap.String("receiver", cfg.Ledger.ReceiverAddress),
		zap.Duration("interval", cfg.Ledger.PollInterval))
	// blocks until shutdown, finishing the in-flight cycle first; the
	// dispatcher keeps draining until the last cycle's events are out
	engine.Run(ctx)
	close(eventCh)
}
