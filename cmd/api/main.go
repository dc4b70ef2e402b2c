package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gian-gg/sabot-sub002/arbiter"
	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/confirmation"
	"github.com/gian-gg/sabot-sub002/db"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/identity"
	"github.com/gian-gg/sabot-sub002/oracle"
	"github.com/gian-gg/sabot-sub002/proof"
	"github.com/gian-gg/sabot-sub002/settlement"
	"github.com/gian-gg/sabot-sub002/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	store, err := storage.NewDiskStore(envOr("PROOF_STORE_DIR", "/var/lib/escrow/proofs"))
	if err != nil {
		log.Fatalf("bootstrap proof store: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	timeline := audit.NewWriter()
	identitySvc := identity.NewService(identity.NewRepository(pool), os.Getenv("JWT_SECRET"))
	aggregator := confirmation.NewAggregator()

	escrowSvc := escrow.NewService(pool, nil, nil, aggregator, identitySvc, timeline, timeline)
	router := oracle.NewRouter(pool, store, nil, timeline, timeline)
	proofSvc := proof.NewService(pool, nil, nil, store, router, timeline, timeline)
	arbiterSvc := arbiter.NewService(pool, nil, escrowSvc, timeline, timeline)
	readModel := escrow.NewReadModel(escrowSvc, oracle.NewRepository(pool))

	bridge := settlement.NewBridge(pool, settlement.NewLogLedger(logger), timeline, timeline)
	worker := settlement.NewWorker(bridge, envDuration("SETTLEMENT_TICK", 30*time.Second), logger)
	go worker.Run(ctx)

	server := &Server{
		escrowService:   escrowSvc,
		statusService:   readModel,
		proofService:    proofSvc,
		arbiterService:  arbiterSvc,
		reviewService:   router,
		identityService: identitySvc,
	}

	httpServer := &http.Server{
		Addr:    envOr("LISTEN_ADDR", ":8080"),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("escrow engine listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("shutting down")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return d
}
