// Package serve runs the broker behind a gRPC server.
package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/gezibash/arc-session/internal/broker"
	"github.com/gezibash/arc-session/internal/config"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/server"
	"github.com/gezibash/arc-session/internal/txlog"

	_ "github.com/gezibash/arc-session/internal/txlog/badger"
	_ "github.com/gezibash/arc-session/internal/txlog/memory"
	_ "github.com/gezibash/arc-session/internal/txlog/redis"
	_ "github.com/gezibash/arc-session/internal/txlog/s3"
	_ "github.com/gezibash/arc-session/internal/txlog/sqlite"
)

const shutdownTimeout = 15 * time.Second

// Entrypoint returns the serve command.
func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long: `Run the broker on a gRPC listener. Prepared XA branches are kept in the
configured transaction log and recovered on restart.

Examples:
  arc-session serve
  arc-session serve --addr :7000 --txlog sqlite
  ARC_SESSION_BROKER_TXLOG_BACKEND=redis arc-session serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			return Run(cmd.Context(), cfg, os.Stderr, nil)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

// Run serves until ctx is done, then shuts every component down newest
// first. ready,
// when set, receives the gRPC and metrics addresses once the server listens.
func Run(ctx context.Context, cfg config.Config, logOut io.Writer, ready func(grpcAddr, metricsAddr string)) error {
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		SampleRatio:    cfg.Observability.SampleRatio,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, logOut)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	closeObs := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Close(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}

	metricsAddr, err := obs.ServeMetrics(cfg.Observability.MetricsAddr)
	if err != nil {
		closeObs()
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		closeObs()
		return fmt.Errorf("create data dir: %w", err)
	}
	txl, err := txlog.New(ctx, cfg.Broker.TxLog.Backend, cfg.TxLogConfig(), obs.Metrics)
	if err != nil {
		closeObs()
		return fmt.Errorf("init txlog: %w", err)
	}
	obs.Closers.AddCloser("txlog", txl)

	b, err := broker.New(ctx,
		broker.WithTxLog(txl),
		broker.WithMetrics(obs.Metrics),
		broker.WithLogger(obs.Logger),
		broker.WithTxTimeout(cfg.Broker.TxTimeout),
	)
	if err != nil {
		closeObs()
		return fmt.Errorf("init broker: %w", err)
	}
	obs.Closers.AddCloser("broker", b)

	obs.Logger.Info("broker initialized",
		"txlog_backend", cfg.Broker.TxLog.Backend,
		"tx_timeout", cfg.Broker.TxTimeout,
		"in_doubt", len(b.InDoubt()),
	)

	srv, err := server.New(cfg.GRPC.Addr, obs, b,
		grpc.MaxRecvMsgSize(cfg.GRPC.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.GRPC.MaxSendMsgSize),
	)
	if err != nil {
		closeObs()
		return fmt.Errorf("create server: %w", err)
	}
	obs.Closers.Add("grpc-server", func(ctx context.Context) error {
		srv.Stop(ctx)
		return nil
	})

	obs.Logger.Info("serving", "addr", srv.Addr(), "metrics", metricsAddr)
	if ready != nil {
		ready(srv.Addr(), metricsAddr)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	select {
	case <-ctx.Done():
		obs.Logger.Info("shutdown signal received")
		closeObs()
		return <-serveErr
	case err := <-serveErr:
		closeObs()
		return err
	}
}
