package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/arc-session/internal/broker"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/server"
	"github.com/gezibash/arc-session/pkg/client"
	"github.com/gezibash/arc-session/pkg/xa"
)

type harness struct {
	broker *broker.Broker
	addr   string
	data   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Chdir(t.TempDir())
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
	return &harness{broker: b, addr: srv.Addr(), data: t.TempDir()}
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--broker", h.addr, "--data-dir", h.data, "-o", "json"}, args...))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func (h *harness) mustRun(t *testing.T, args ...string) {
	t.Helper()
	if err := h.run(t, args...); err != nil {
		t.Fatalf("arc-session %s: %v", strings.Join(args, " "), err)
	}
}

func (h *harness) session(t *testing.T, xaMode bool) *client.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, h.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	s, err := conn.CreateSession(ctx, xaMode, true, true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestQueueSendReceive(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "queue", "create", "orders", "--durable")
	h.mustRun(t, "send", "orders", "hello", "--prop", "color=red", "--count", "3")
	h.mustRun(t, "send", "orders", "--tx", "committed")

	s := h.session(t, false)
	info, err := s.QueueQuery(context.Background(), "orders")
	if err != nil {
		t.Fatalf("QueueQuery: %v", err)
	}
	if !info.Exists || !info.Durable || info.Messages != 4 {
		t.Fatalf("queue = %+v, want durable with 4 messages", info)
	}

	h.mustRun(t, "receive", "orders", "--count", "2", "--wait", "0")
	h.mustRun(t, "receive", "orders", "--no-ack", "--wait", "0")
	if info, _ := s.QueueQuery(context.Background(), "orders"); info.Messages != 2 {
		t.Fatalf("messages after receive = %d, want 2", info.Messages)
	}

	h.mustRun(t, "queue", "query", "orders")
	h.mustRun(t, "address", "orders")
	h.mustRun(t, "queue", "delete", "orders")
	if info, _ := s.QueueQuery(context.Background(), "orders"); info.Exists {
		t.Fatal("queue still exists after delete")
	}
}

func TestSendSeqWithFilter(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "queue", "create", "jobs")
	h.mustRun(t, "send", "jobs", "work", "--seq", "--count", "3")
	h.mustRun(t, "receive", "jobs", "--filter", "props.seq == 2", "--wait", "0")

	s := h.session(t, false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c, err := s.CreateConsumer(context.Background(), "jobs")
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	var seqs []any
	for {
		msg, err := c.Receive(context.Background(), client.NoWait)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg == nil {
			break
		}
		seqs = append(seqs, msg.Properties["seq"])
	}
	if len(seqs) != 2 || seqs[0] != int64(1) || seqs[1] != int64(3) {
		t.Fatalf("remaining seqs = %v, want [1 3]", seqs)
	}
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)
	tests := [][]string{
		{"queue", "create", "q", "--routing", "broadcast"},
		{"send", "q", "body", "--prop", "novalue"},
		{"send", "q", "body", "--count", "0"},
		{"receive", "missing", "--wait", "0"},
		{"xa", "commit", "not-a-xid"},
	}
	for _, args := range tests {
		if err := h.run(t, args...); err == nil {
			t.Errorf("arc-session %s succeeded", strings.Join(args, " "))
		}
	}
}

func TestXARecoveryCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.session(t, true)
	r := s.XAResource()
	committed, heuristic := xa.Random(), xa.Random()
	for _, xid := range []xa.Xid{committed, heuristic} {
		if err := r.Start(ctx, xid, xa.TMNoFlags); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := r.End(ctx, xid, xa.TMSuccess); err != nil {
			t.Fatalf("End: %v", err)
		}
		if _, err := r.Prepare(ctx, xid); err != nil {
			t.Fatalf("Prepare: %v", err)
		}
	}

	h.mustRun(t, "xa", "recover")
	h.mustRun(t, "xa", "commit", committed.String())
	h.mustRun(t, "xa", "heuristic", heuristic.String(), "--commit")
	if err := h.run(t, "xa", "rollback", heuristic.String()); err == nil {
		t.Fatal("rollback of a heuristically committed branch succeeded")
	}
	if got := h.broker.InDoubt(); len(got) != 1 || !got[0].Equal(heuristic) {
		t.Fatalf("InDoubt = %v, want [%s]", got, heuristic)
	}
	h.mustRun(t, "xa", "forget", heuristic.String())
	if got := h.broker.InDoubt(); len(got) != 0 {
		t.Fatalf("InDoubt after forget = %v", got)
	}
}

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version", "-o", "json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	var envelope struct {
		Meta struct {
			Type string `json:"type"`
		} `json:"meta"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if envelope.Meta.Type != "version" || envelope.Data["version"] != "dev" || envelope.Data["go"] == "" {
		t.Errorf("version output = %+v", envelope)
	}
}
