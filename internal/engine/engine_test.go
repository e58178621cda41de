package engine

import (
	"io"
	"log/slog"
	"testing"

	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return New(cfg, clock.System(), nil, discardLogger())
}

func TestEngine_EnsureStreamRecordsTieredSet(t *testing.T) {
	e := newTestEngine(t)

	if err := e.EnsureStream(nil); err == nil {
		t.Error("empty market set accepted")
	}

	if err := e.EnsureStream([]string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Conservative profile: top-1 gets all four streams, the second symbol
	// ticker only.
	streams := e.ws.Streams()
	want := map[string]bool{
		"btcusdt@aggTrade":   true,
		"btcusdt@bookTicker": true,
		"btcusdt@depth5":     true,
		"btcusdt@ticker":     true,
		"ethusdt@ticker":     true,
	}
	if len(streams) != len(want) {
		t.Fatalf("streams = %v", streams)
	}
	for _, s := range streams {
		if !want[s] {
			t.Errorf("unexpected stream %s", s)
		}
	}
}

func TestEngine_StatusTranslation(t *testing.T) {
	e := newTestEngine(t)

	e.onStatus(types.StatusReconnecting)
	e.onStatus(types.StatusReconnecting)
	if e.Diagnostics().Retries != 2 {
		t.Errorf("retries = %d, want 2", e.Diagnostics().Retries)
	}

	e.onStatus(types.StatusConnected)
	if e.Diagnostics().Retries != 0 {
		t.Errorf("retries = %d after connect, want reset", e.Diagnostics().Retries)
	}
}

func TestEngine_DiagnosticsWithoutStart(t *testing.T) {
	e := newTestEngine(t)
	diag := e.Diagnostics()
	if diag.Status != types.StatusDisconnected {
		t.Errorf("status = %s", diag.Status)
	}
	if diag.Repository.SeenIDs != 0 || diag.Bus.Published != 0 {
		t.Errorf("fresh diagnostics not zero: %+v", diag)
	}
}
