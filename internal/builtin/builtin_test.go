package builtin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/memory"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

func execContext(logger *slog.Logger) *manager.ExecutionContext {
	return &manager.ExecutionContext{
		MessageID:       core.NewUUIDv7(),
		DeliveryAttempt: 2,
		Logger:          logger,
	}
}

func TestLogExecutor_WritesMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := LogExecutor{}.Execute(context.Background(), execContext(logger), LogMessage{
		Message: "hello from a job",
		Level:   "warn",
		Fields:  map[string]any{"tenant": "acme"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"level=WARN", `msg="hello from a job"`, "tenant=acme", "message_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestLogExecutor_UnknownLevelLogsAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	err := LogExecutor{}.Execute(context.Background(), execContext(logger), LogMessage{Message: "x", Level: "loud"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "level=INFO") || !strings.Contains(out, "requested_level=loud") {
		t.Errorf("log output = %q", out)
	}
}

func TestWebhookExecutor_Delivers(t *testing.T) {
	var (
		gotMethod, gotBody, gotAttempt, gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAttempt = r.Header.Get("X-OJS-Delivery-Attempt")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.Client())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := exec.Execute(context.Background(), execContext(logger), Webhook{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer t"},
		Body:    []byte(`{"event":"signup"}`),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotBody != `{"event":"signup"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotAttempt != "2" {
		t.Errorf("X-OJS-Delivery-Attempt = %q, want 2", gotAttempt)
	}
	if gotAuth != "Bearer t" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestWebhookExecutor_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.Client())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := exec.Execute(context.Background(), execContext(logger), Webhook{URL: srv.URL}); err == nil {
		t.Fatal("Execute() error = nil, want failure on 502")
	}
	if err := exec.Execute(context.Background(), execContext(logger), Webhook{}); err == nil {
		t.Fatal("Execute() error = nil, want failure without url")
	}
}

func TestRegister_ProcessesWebhookEndToEnd(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test"}, nil), logger)
	m := manager.New(manager.Config{Pool: pool, Logger: logger, Consume: []string{manager.ConsumeAll}})
	if err := Register(m, srv.Client()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.JobNames(); len(got) != 2 || got[0] != "http.webhook" || got[1] != "log.message" {
		t.Fatalf("JobNames() = %v", got)
	}

	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Shutdown(ctx)

	if _, err := manager.Enqueue(ctx, m, Webhook{URL: srv.URL}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("webhook never called")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
