package internal

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/inkwell/internal/offline"
	"github.com/starford/inkwell/internal/testutil"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clientConfig(t *testing.T, serverURL string) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Client.ServerURL = serverURL
	cfg.Client.OwnerID = "u1"
	cfg.Client.Workspace = t.TempDir()
	cfg.Offline.Dir = t.TempDir()
	return cfg
}

func stageRecord(t *testing.T, cfg *Config) {
	t.Helper()
	stage, err := offline.NewFSStage(filepath.Join(cfg.Offline.Dir, "staged"), cfg.Offline.Retention, nil)
	require.NoError(t, err)
	require.NoError(t, stage.Stage(offline.Record{
		SessionID: "s1",
		OwnerID:   "u1",
		Title:     "Draft",
		Content:   "offline edit",
		Version:   1,
		StagedAt:  time.Now(),
	}))
}

func TestDrainLoop_LogsReplayFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/ready" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"title is required","code":"validation"}`))
	}))
	defer srv.Close()

	cfg := clientConfig(t, srv.URL)
	stageRecord(t, cfg)

	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ac, err := openAutosaveClient(cfg, logger)
	require.NoError(t, err)
	defer ac.orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ac.drainLoop(ctx, time.Hour, logger)
		close(done)
	}()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(logs.String(), "drain: staged changes failed to replay")
	})
	cancel()
	<-done
	require.Contains(t, logs.String(), `"level":"WARN"`)
}

func TestDrainLoop_ServerDownIsNotAWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := clientConfig(t, srv.URL)
	stageRecord(t, cfg)

	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ac, err := openAutosaveClient(cfg, logger)
	require.NoError(t, err)
	defer ac.orch.Close()

	err = ac.drain(context.Background(), logger)
	require.ErrorIs(t, err, errServerNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ac.drainLoop(ctx, time.Hour, logger)
		close(done)
	}()
	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(logs.String(), "drain: server not ready")
	})
	cancel()
	<-done
	require.NotContains(t, logs.String(), "failed to replay")
}
