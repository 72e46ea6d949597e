package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Nystya/txn-coordinator/config"
	"github.com/Nystya/txn-coordinator/controller"
	"github.com/Nystya/txn-coordinator/logger"
	"github.com/Nystya/txn-coordinator/repository/database"
	"github.com/Nystya/txn-coordinator/repository/messaging"
	"github.com/Nystya/txn-coordinator/resource"
	"github.com/Nystya/txn-coordinator/service"
	"github.com/Nystya/txn-coordinator/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "txn-coordinator",
		Short:        "Two phase commit coordinator and participants",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "coordinator",
		Short: "Run the transaction coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCoordinator(cmd.Context(), configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "participant",
		Short: "Run an entity or file participant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runParticipant(cmd.Context(), configPath)
		},
	})

	return root
}

type components struct {
	cfg      *config.Config
	log      *zap.Logger
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
}

func setup(path string, name string) (*components, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger, name)
	if err != nil {
		return nil, errors.Wrap(err, "could not create logger")
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = name
	}

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, errors.Wrap(err, "could not start telemetry")
	}

	return &components{cfg: cfg, log: log, tel: tel, shutdown: shutdown}, nil
}

func (c *components) close() {
	if err := c.shutdown(context.Background()); err != nil {
		c.log.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = c.log.Sync()
}

func runCoordinator(ctx context.Context, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(path, "coordinator")
	if err != nil {
		return err
	}
	defer c.close()

	co := c.cfg.Coordinator
	if co == nil {
		return errors.New("config has no coordinator section")
	}

	store, err := database.NewBoltDatabase(&database.BoltDatabaseConfig{Path: co.StorePath})
	if err != nil {
		return err
	}
	defer store.Close()

	participants := make([]service.Participant, 0, len(co.Participants))
	for _, endpoint := range co.Participants {
		client := messaging.NewParticipantClient(&messaging.ParticipantClientConfig{
			PeerName:       endpoint.Name,
			ServerAddr:     endpoint.Address,
			CoordinatorKey: co.CoordinatorKey,
		}, c.log)

		if err = client.Connect(); err != nil {
			return err
		}
		defer client.Close()

		participants = append(participants, client)
	}

	coordinator, err := service.NewTPCCoordinator(
		co.InteractiveSessionKey,
		service.NewStaticSessionTokenProvider(co.SessionTokens, co.AdminSessionTokens),
		participants,
		store,
		service.WithTransactionTimeout(co.TransactionTimeout()),
		service.WithTransactionCountLimit(co.TransactionCountLimit),
		service.WithRecoveryInterval(co.RecoveryInterval()),
		service.WithReaperInterval(co.ReaperInterval()),
		service.WithParticipantCallTimeout(co.ParticipantCallTimeout()),
		service.WithRetryBackoff(service.Backoff{
			Initial:    co.CommitRetryBackoff.Initial(),
			Max:        co.CommitRetryBackoff.Max(),
			Multiplier: co.CommitRetryBackoff.Multiplier,
		}),
		service.WithRetryRate(co.RetryRatePerSecond),
		service.WithLogger(c.log),
		service.WithTelemetry(c.tel),
	)
	if err != nil {
		return err
	}

	if err = coordinator.Start(ctx); err != nil {
		return errors.Wrap(err, "could not recover coordinator state")
	}
	defer coordinator.Stop()

	server, err := newGrpcServer(c.tel)
	if err != nil {
		return err
	}
	messaging.RegisterCoordinatorServer(server, controller.NewCoordinatorServer(coordinator, c.log))

	return serve(ctx, server, co.ListenAddr, c.log)
}

func runParticipant(ctx context.Context, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(path, "participant")
	if err != nil {
		return err
	}
	defer c.close()

	pc := c.cfg.Participant
	if pc == nil {
		return errors.New("config has no participant section")
	}

	var res service.Resource
	switch pc.Kind {
	case config.KindEntity:
		entities, err := resource.OpenEntityResource(filepath.Join(pc.DataDir, "entities"), c.log)
		if err != nil {
			return err
		}
		defer entities.Close()
		res = entities
	case config.KindFile:
		files, err := resource.NewFileResource(filepath.Join(pc.DataDir, "files"), c.log)
		if err != nil {
			return err
		}
		res = files
	}

	journal, err := database.NewFileDatabase(&database.WriteAheadLogConfig{
		Dir:         pc.JournalDir,
		MaxFileSize: pc.JournalMaxFileSizeKB,
		Prefix:      pc.Name,
	})
	if err != nil {
		return errors.Wrap(err, "could not open journal")
	}

	participant := service.NewTPCParticipant(pc.Name, journal, res, c.log)
	participant.SetCompactEvery(pc.JournalCompactEvery)

	c.log.Info("recovering last state")
	if err = participant.Recover(); err != nil {
		return errors.Wrap(err, "could not recover participant state")
	}

	server, err := newGrpcServer(c.tel, controller.RequireCoordinatorKey(pc.CoordinatorKey))
	if err != nil {
		return err
	}
	messaging.RegisterParticipantServer(server, controller.NewParticipantServer(participant, c.log))

	return serve(ctx, server, pc.ListenAddr, c.log)
}

func newGrpcServer(tel *telemetry.Telemetry, interceptors ...grpc.UnaryServerInterceptor) (*grpc.Server, error) {
	metrics, err := telemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return nil, errors.Wrap(err, "could not create grpc metrics")
	}

	chain := append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, interceptors...)

	return grpc.NewServer(grpc.ChainUnaryInterceptor(chain...)), nil
}

func serve(ctx context.Context, server *grpc.Server, addr string, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	log.Info("serving", zap.String("address", addr))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		server.GracefulStop()
		return nil
	case err = <-errCh:
		return errors.Wrap(err, "failed to serve")
	}
}
