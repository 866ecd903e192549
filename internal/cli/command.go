package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/config"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/client"
)

// Command configures a CLI command that runs inside one broker session.
type Command struct {
	// Viper holds the command's configuration.
	Viper *viper.Viper

	// XA opens a distributed session.
	XA bool

	// Transacted turns off auto-commit of sends and acks. Run must commit.
	Transacted bool

	// Timeout bounds Run. Zero means no timeout.
	Timeout time.Duration

	// Run is the command's business logic.
	Run func(ctx context.Context, s *client.Session, out *Output) error
}

// RunCommand connects, opens and starts a session, and hands it to Run.
// The session and connection are closed when Run returns.
func RunCommand(ctx context.Context, cmd Command) error {
	if cmd.Viper == nil {
		return errors.New("viper required")
	}
	if cmd.Run == nil {
		return errors.New("run function required")
	}

	conn, closeConn, err := Connect(ctx, cmd.Viper)
	if err != nil {
		return err
	}
	defer closeConn()

	s, err := conn.CreateSession(ctx, cmd.XA, !cmd.Transacted, !cmd.Transacted)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	return cmd.Run(ctx, s, NewOutputFromViper(cmd.Viper))
}

// Connect loads the client config and dials the broker. The returned func
// closes the connection and the client log file.
func Connect(ctx context.Context, v *viper.Viper) (*client.Connection, func(), error) {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := clientLogger(cfg)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Client.DialTimeout)
	defer cancel()
	conn, err := client.Dial(dialCtx, cfg.Client.Addr,
		client.WithLogger(logger),
		client.WithCloseTimeout(cfg.Client.CloseTimeout))
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return conn, func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close connection", "error", err)
		}
		closeLog()
	}, nil
}

// clientLogger writes to {data_dir}/log/cli.log so logs never mix with
// command output. Logging is discarded when the file cannot be opened.
func clientLogger(cfg config.Config) (*slog.Logger, func()) {
	var w io.Writer = io.Discard
	closeFn := func() {}

	logDir := filepath.Join(cfg.DataDir, "log")
	if err := os.MkdirAll(logDir, 0o700); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "cli.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is built from the data dir
		if err == nil {
			w = f
			closeFn = func() { _ = f.Close() }
		}
	}
	return observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, w), closeFn
}
