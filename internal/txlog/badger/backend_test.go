package badger

import (
	"context"
	"testing"

	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/internal/txlog/txlogtest"
)

func TestInMemory(t *testing.T) {
	txlogtest.Run(t, func(t *testing.T) txlog.Backend {
		t.Helper()
		b, err := Open(context.Background(), map[string]string{KeyInMemory: "true"})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := map[string]string{KeyPath: dir, KeySyncWrites: "true"}

	b, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := txlogtest.MakeRecord(1)
	if err := b.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.Get(ctx, r.Xid)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !got.Xid.Equal(r.Xid) {
		t.Errorf("xid = %s, want %s", got.Xid, r.Xid)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := Open(context.Background(), map[string]string{KeyInMemory: "maybe"}); err == nil {
		t.Fatal("expected error for invalid in_memory")
	}
}
