package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/bcmsync/internal/config"
	"github.com/hyperengineering/bcmsync/internal/types"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) messageIndex(msg string) int {
	for i, m := range c.messages() {
		if m == msg {
			return i
		}
	}
	return -1
}

func captureLogs(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func TestStartWorker_RunsUntilCancelled(t *testing.T) {
	capture := captureLogs(t)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	var stopped atomic.Bool

	startWorker(ctx, &g, "test-worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond) // Simulate cleanup work
		stopped.Store(true)
	})

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !stopped.Load() {
		t.Error("Wait() returned before worker completed")
	}

	start := capture.messageIndex("worker started")
	stop := capture.messageIndex("worker stopped")
	if start == -1 || stop == -1 || start > stop {
		t.Errorf("messages = %v, want started before stopped", capture.messages())
	}
	capture.mu.Lock()
	defer capture.mu.Unlock()
	if capture.entries[start]["worker"] != "test-worker" {
		t.Errorf("worker attr = %v", capture.entries[start]["worker"])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf strings.Builder
	logger := newLogger(&buf, config.LogConfig{Level: "info", Format: "text"})

	logger.Info("hello", "component", "main")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("output = %q, want text format", buf.String())
	}
}

// testServeConfig returns a memory-backed config pointing at graphURL.
func testServeConfig(t *testing.T, graphURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BCMSYNC_CONFIG_PATH", dir+"/missing.yaml")
	t.Setenv("BCMSYNC_STORAGE_BACKEND", "memory")
	t.Setenv("BCMSYNC_DEADLETTER_PATH", dir+"/bcmsync.db")
	t.Setenv("BCMSYNC_GRAPH_BASE_URL", graphURL)
	t.Setenv("BCMSYNC_GRAPH_RATE_LIMIT", "0")
	t.Setenv("BCMSYNC_SYNC_INTERVAL", "1h")
	t.Setenv("BCMSYNC_PROBE_INTERVAL", "20ms")
	t.Setenv("BCMSYNC_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("BCMSYNC_LOG_LEVEL", "error")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestServe_EnqueueIsReplayedAndShutsDownCleanly(t *testing.T) {
	stub := &graphStub{}
	graph := httptest.NewServer(stub)
	defer graph.Close()
	cfg := testServeConfig(t, graph.URL+"/workbook")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	done := make(chan error, 1)
	go func() { done <- a.run(ctx, ln) }()

	// Given: the monitor sees the service online
	waitUntil(t, func() bool { return a.monitor.Online() })

	// When: the UI enqueues a mutation and asks for a sync
	resp, err := http.Post(base+"/api/v1/mutations", "application/json",
		strings.NewReader(`{"kind":"create","target":"Capabilities","payload":{"values":[["Payments","L1"]]}}`))
	if err != nil {
		t.Fatalf("POST mutations: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/v1/sync", "application/json", strings.NewReader(`{"reason":"focus"}`))
	if err != nil {
		t.Fatalf("POST sync: %v", err)
	}
	resp.Body.Close()

	// Then: the mutation reaches the data service and leaves the queue
	waitUntil(t, func() bool { return stub.count("POST /workbook/tables/Capabilities/rows/add") == 1 })
	waitUntil(t, func() bool { return a.queue.Size() == 0 })

	resp, err = http.Get(base + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	var health types.HealthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if !health.Online || health.Pending != 0 {
		t.Errorf("health = %+v", health)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `bcmsync_mutations_applied_total{kind="create"} 1`) {
		t.Errorf("metrics missing applied counter:\n%s", body)
	}

	// And: cancelling stops the server and workers
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestServe_ServerFailureStopsWorkers(t *testing.T) {
	graph := httptest.NewServer(&graphStub{})
	defer graph.Close()
	cfg := testServeConfig(t, graph.URL)

	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close() // Serve fails immediately

	done := make(chan error, 1)
	go func() { done <- a.run(context.Background(), ln) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("run() error = nil, want serve failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() kept going after the server failed")
	}
}

func TestBuildApp_RequiresDataService(t *testing.T) {
	cfg := testServeConfig(t, "")

	_, err := buildApp(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Errorf("error = %v, want base_url required", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
