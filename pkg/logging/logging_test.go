package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gezibash/arc-session/pkg/xa"
)

func TestLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil))).
		WithComponent("client").
		WithSession("s-1").
		WithHandle("consumer", "c-2").
		WithError(errors.New("boom"))
	l.Info("closed", "reason", "cascade")

	out := buf.String()
	for _, want := range []string{"component=client", "session=s-1", "consumer=c-2", "error=boom", "reason=cascade"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(slog.New(slog.NewTextHandler(&buf, nil))).WithSession("a")
	_ = parent.WithSession("b")
	parent.Info("x")
	if strings.Contains(buf.String(), "session=b") {
		t.Fatalf("child attrs leaked into parent: %q", buf.String())
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	if l.Slog().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nop logger enabled at error")
	}
}

func TestFormatXid(t *testing.T) {
	xid := xa.Xid{FormatID: 7, GlobalTransactionID: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, BranchQualifier: []byte{0xab}}
	if got, want := FormatXid(xid), "7:0102030405060708...:ab"; got != want {
		t.Errorf("FormatXid = %q, want %q", got, want)
	}
}
