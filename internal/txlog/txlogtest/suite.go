// Package txlogtest provides a conformance suite shared by txlog backends.
package txlogtest

import (
	"context"
	"errors"
	"testing"

	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

// MakeRecord returns a prepared record with one send and one ack.
func MakeRecord(preparedAt int64) *txlog.Record {
	return &txlog.Record{
		Xid:   xa.Random(),
		State: txlog.StatePrepared,
		Sends: []transport.Message{
			{Address: "orders", Body: []byte("created"), Durable: true},
		},
		Acks: []txlog.Ack{
			{Queue: "orders.audit", Message: transport.Message{ID: 7, Address: "orders", Body: []byte("old")}},
		},
		PreparedAt: preparedAt,
	}
}

// Run exercises the Backend contract against backends built by newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) txlog.Backend) {
	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		r := MakeRecord(1)
		if err := b.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := b.Get(ctx, r.Xid)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Xid.Equal(r.Xid) || got.State != txlog.StatePrepared {
			t.Fatalf("Get = %s %s, want %s prepared", got.Xid, got.State, r.Xid)
		}
		if len(got.Sends) != 1 || string(got.Sends[0].Body) != "created" {
			t.Errorf("sends = %+v", got.Sends)
		}
		if len(got.Acks) != 1 || got.Acks[0].Queue != "orders.audit" || got.Acks[0].Message.ID != 7 {
			t.Errorf("acks = %+v", got.Acks)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		r := MakeRecord(1)
		if err := b.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
		r.State = txlog.StateHeuristicCommit
		if err := b.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := b.Get(ctx, r.Xid)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != txlog.StateHeuristicCommit {
			t.Errorf("state = %s, want %s", got.State, txlog.StateHeuristicCommit)
		}
		all, err := b.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("List returned %d records, want 1", len(all))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Get(context.Background(), xa.Random()); !errors.Is(err, txlog.ErrNotFound) {
			t.Fatalf("Get = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		r1, r2 := MakeRecord(1), MakeRecord(2)
		for _, r := range []*txlog.Record{r1, r2} {
			if err := b.Put(ctx, r); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if err := b.Delete(ctx, r1.Xid); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		// Deleting a missing record is not an error.
		if err := b.Delete(ctx, r1.Xid); err != nil {
			t.Fatalf("Delete again: %v", err)
		}
		all, err := b.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 1 || !all[0].Xid.Equal(r2.Xid) {
			t.Fatalf("List = %v, want only %s", all, r2.Xid)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := b.Put(context.Background(), MakeRecord(1)); !errors.Is(err, txlog.ErrClosed) {
			t.Errorf("Put after close = %v, want ErrClosed", err)
		}
		if _, err := b.List(context.Background()); !errors.Is(err, txlog.ErrClosed) {
			t.Errorf("List after close = %v, want ErrClosed", err)
		}
	})
}
