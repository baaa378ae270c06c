// Command keel runs the admission-and-delivery backbone: policy decisions,
// capability leases, staging approvals, and the priority task queue behind
// one HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quorralabs/keel/pkg/admission"
	"github.com/quorralabs/keel/pkg/api"
	"github.com/quorralabs/keel/pkg/config"
	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/events"
	"github.com/quorralabs/keel/pkg/kernel"
	"github.com/quorralabs/keel/pkg/lease"
	"github.com/quorralabs/keel/pkg/policy"
	"github.com/quorralabs/keel/pkg/queue"
	"github.com/quorralabs/keel/pkg/rpu"
	"github.com/quorralabs/keel/pkg/staging"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("keel exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.OpenSQLite(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()
	slog.Info("kernel store ready", "path", cfg.StorePath)

	bus := events.NewBus()

	q, closeQueue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	var gate *rpu.Gate
	if cfg.TrustStorePath != "" {
		trust := rpu.NewTrustStore(cfg.TrustStorePath)
		gate = rpu.NewGate(rpu.NewVerifier(trust), bus)
		slog.Info("capsule adoption enabled", "trust_store", cfg.TrustStorePath)
	}

	leases := lease.NewStore(k, bus)

	mode := contracts.StagingMode(cfg.StagingMode)
	switch mode {
	case contracts.StagingModeAuto, contracts.StagingModeAlways, contracts.StagingModeAsk:
	default:
		slog.Warn("unknown staging mode, using auto", "mode", cfg.StagingMode)
		mode = contracts.StagingModeAuto
	}
	stagingGate := staging.NewGate(k, q, bus, mode, cfg.StagingAllowKinds)

	var gatingSource policy.GatingSource
	if gate != nil {
		gatingSource = gate
	}
	engine := policy.NewEngine(policy.Load(cfg.PolicyRuleFile, policy.Posture(cfg.PolicyPosture)), gatingSource)

	svc := admission.NewService(engine, leases, stagingGate, q, k, bus)

	auth := api.NewSubjectResolver(cfg.AuthSecret)
	if !auth.Enabled() {
		slog.Warn("auth secret not set, accepting caller-supplied subjects")
	}
	srv := api.NewServer(leases, stagingGate, svc, k, gate, auth)
	handler := api.RateLimit(cfg.RateRPS, cfg.RateBurst, srv.Routes())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("keel listening", "addr", httpSrv.Addr, "queue", cfg.QueueBackend)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	if cfg.QueueBackend == "broker" {
		b, err := queue.NewBroker(ctx, queue.BrokerConfig{
			URL:      cfg.BrokerURL,
			Addr:     cfg.BrokerAddr,
			Username: cfg.BrokerUser,
			Password: cfg.BrokerPass,
			UseTLS:   cfg.BrokerTLS,
			Subject:  cfg.BrokerSubject,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
	local := queue.NewLocal(queue.LocalConfig{
		LeaseTTL:      cfg.LeaseTTL,
		SweepInterval: cfg.SweepInterval,
	})
	return local, local.Close, nil
}
