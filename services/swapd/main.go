package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"htlcswap/core/events"
	"htlcswap/core/types"
	"htlcswap/native/coordinator"
	"htlcswap/native/policy"
	"htlcswap/observability/logging"
	telemetry "htlcswap/observability/otel"
	"htlcswap/services/swapd/audit"
	"htlcswap/services/swapd/config"
	"htlcswap/services/swapd/server"
	"htlcswap/services/swapd/storage"
	"htlcswap/services/swapd/vault"
	kv "htlcswap/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/swapd/config.yaml", "path to swapd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("swapd: load config: %v", err)
	}
	logger := logging.Setup("swapd", cfg.Environment, cfg.LogOptions()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("swapd: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("swapd", cfg.Environment))
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	sessions, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer sessions.Close()

	secrets, err := vault.Open(cfg.VaultPath, nil)
	if err != nil {
		return err
	}
	defer secrets.Close()

	escrowDB, err := kv.NewLevelDB(cfg.EscrowStore)
	if err != nil {
		return err
	}
	defer escrowDB.Close()

	policyCfg, resolvers, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	pol := policy.New(policyCfg, policy.NewRegistry(resolvers...))

	broker := events.NewBroker(0)
	broker.OnDrop(func(evt *types.Event) {
		logger.Warn("swapd: event dropped for slow subscriber", "type", evt.Type, "dropped", broker.Dropped())
	})
	group, ctx := errgroup.WithContext(ctx)

	if cfg.AuditDSN != "" {
		auditDB, err := audit.Open(cfg.AuditDSN)
		if err != nil {
			return err
		}
		sink := audit.NewSink(auditDB, logger)
		feed, cancel := broker.Subscribe(events.Lossless())
		defer cancel()
		group.Go(func() error {
			// Release emitters blocked on the lossless feed once the sink stops.
			defer cancel()
			sink.Consume(ctx, feed)
			return nil
		})
	}

	engines, err := buildEngines(ctx, cfg, escrowDB, pol, broker, logger)
	if err != nil {
		return err
	}
	escrows := make([]coordinator.Escrows, 0, len(engines))
	served := make([]server.Engine, 0, len(engines))
	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithEmitter(broker),
		coordinator.WithCodec(cfg.Codec()),
		coordinator.WithTimelocks(cfg.CoordinatorTimelocks()),
		coordinator.WithDepositGrace(cfg.DepositGrace.Duration),
		coordinator.WithPollInterval(cfg.PollInterval.Duration),
	}
	for i, e := range engines {
		escrows = append(escrows, e)
		served = append(served, e)
		coordOpts = append(coordOpts, coordinator.WithResolver(e.Chain(), cfg.Chains[i].Resolver))
	}
	coord, err := coordinator.New(sessions, secrets, escrows, coordOpts...)
	if err != nil {
		return err
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Optional:   cfg.Auth.Optional,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	}, served, auth,
		server.WithSessions(coord),
		server.WithEvents(broker),
		server.WithLogger(logger),
		server.WithHealthCheck("sessions", sessions.Ping),
	)
	if err != nil {
		return err
	}

	group.Go(func() error { return srv.Run(ctx) })
	group.Go(func() error { return server.RunGRPC(ctx, cfg.GRPCAddress, logger) })
	group.Go(func() error {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	logger.Info("swapd: started", "chains", len(engines), "listen", cfg.ListenAddress, "grpc", cfg.GRPCAddress)
	return group.Wait()
}
