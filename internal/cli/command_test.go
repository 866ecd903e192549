package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/broker"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/server"
	"github.com/gezibash/arc-session/pkg/client"
)

func startBroker(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	ctx := context.Background()
	b, err := broker.New(ctx)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	obs, err := observability.New(ctx, observability.ObsConfig{LogLevel: "error"}, io.Discard)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	srv, err := server.New("127.0.0.1:0", obs, b)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(stopCtx)
	})
	return b, srv.Addr()
}

func clientViper(t *testing.T, addr string) *viper.Viper {
	t.Helper()
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("client.addr", addr)
	v.Set("data_dir", t.TempDir())
	v.Set("output", "json")
	return v
}

func TestRunCommandOpensStartedSession(t *testing.T) {
	b, addr := startBroker(t)
	v := clientViper(t, addr)

	var seen *client.Session
	err := RunCommand(context.Background(), Command{
		Viper:      v,
		Transacted: true,
		Run: func(ctx context.Context, s *client.Session, out *Output) error {
			seen = s
			if out.Format() != FormatJSON {
				t.Errorf("Format = %s, want json", out.Format())
			}
			if !s.IsStarted() || s.IsXA() || s.AutoCommitSends() || s.AutoCommitAcks() {
				t.Errorf("session started=%v xa=%v sends=%v acks=%v",
					s.IsStarted(), s.IsXA(), s.AutoCommitSends(), s.AutoCommitAcks())
			}
			if n := b.Sessions(); n != 1 {
				t.Errorf("broker sessions = %d, want 1", n)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if seen == nil || !seen.IsClosed() {
		t.Fatal("session not closed after Run")
	}
	if _, err := os.Stat(filepath.Join(v.GetString("data_dir"), "log", "cli.log")); err != nil {
		t.Errorf("client log: %v", err)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	_, addr := startBroker(t)
	err := RunCommand(context.Background(), Command{
		Viper:   clientViper(t, addr),
		XA:      true,
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, s *client.Session, _ *Output) error {
			if !s.IsXA() {
				t.Error("session is not XA")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("RunCommand = %v, want deadline exceeded", err)
	}
}

func TestRunCommandRequiresRun(t *testing.T) {
	if err := RunCommand(context.Background(), Command{Viper: viper.New()}); err == nil {
		t.Fatal("RunCommand without Run succeeded")
	}
}

func TestConnectFailsWithinDialTimeout(t *testing.T) {
	v := clientViper(t, "127.0.0.1:1")
	v.Set("client.dial_timeout", 200*time.Millisecond)
	start := time.Now()
	if _, _, err := Connect(context.Background(), v); err == nil {
		t.Fatal("Connect to a closed port succeeded")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Connect took %v", time.Since(start))
	}
}
