package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securebank/api"
	"securebank/config"
	"securebank/crypto"
	"securebank/ledger"
	"securebank/network"
	"securebank/notes"
	"securebank/observability/logging"
	"securebank/storage"
	"securebank/trust"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "securebankd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.NodeName, cfg.Environment, logging.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	peers := make([]trust.PeerNode, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, trust.PeerNode{ID: p.ID, Name: p.Name, Endpoint: p.Endpoint, KeyID: p.KeyID})
	}
	trustStore, err := trust.NewStore(cfg.NodeID, cfg.OwnKeyID, peers, cfg.Keys)
	if err != nil {
		return err
	}

	cipher := crypto.NewCipher(trustStore)
	noteSigner := crypto.NewHMACNoteSigner(trustStore, cfg.NoteSigningKeyID)

	book, err := ledger.New(db)
	if err != nil {
		return err
	}
	registry, err := notes.NewRegistry(db, book, noteSigner, noteSigner, cfg.NodeID, cfg.NodeName, logger)
	if err != nil {
		return err
	}
	sessions, err := api.NewSessionStore(db, cfg.SessionTTL.Duration)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := network.NewEngine(ctx, db, trustStore, cipher, book, registry, logger, network.Options{
		Timeout:      cfg.Sync.Timeout.Duration,
		RetryDelay:   cfg.Sync.RetryDelay.Duration,
		ReplayWindow: cfg.Sync.ReplayWindow.Duration,
		MaxAttempts:  cfg.Sync.MaxAttempts,
	})
	if err != nil {
		return err
	}
	engine.SetSessions(sessions)
	registry.SetPropagator(engine)
	registry.SetPeerVerifier(engine)

	go engine.RunDrain(ctx, cfg.Sync.DrainInterval.Duration)

	server := api.NewServer(api.Config{
		Ledger:         book,
		Registry:       registry,
		Engine:         engine,
		Sessions:       sessions,
		Cipher:         cipher,
		OwnKeyID:       cfg.OwnKeyID,
		InitialBalance: cfg.InitialBalanceAmount(),
		NodeID:         cfg.NodeID,
		NodeName:       cfg.NodeName,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening", "addr", cfg.ListenAddress, "node", cfg.NodeID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
