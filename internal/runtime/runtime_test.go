package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestRuntimeServesHealthAndMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Store.RetentionMode = "ephemeral"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close(context.Background())

	if rt.Bus() == nil || !rt.Bus().Healthy() {
		t.Fatal("expected connected bus")
	}
	if rt.Store() == nil || rt.Store().Persistent() {
		t.Fatal("expected ephemeral store")
	}

	base := "http://" + rt.Addr()
	if code := get(t, base+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	if code := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz returned %d", code)
	}
	rt.SetBusy(true)
	if code := get(t, base+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while busy returned %d", code)
	}
	rt.SetBusy(false)
	if code := get(t, base+"/metrics"); code != http.StatusOK {
		t.Fatalf("metrics returned %d", code)
	}
}

func TestRuntimeWithoutHTTP(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = t.TempDir() + "/narrator.db"

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close(context.Background())
	if rt.Addr() != "" || rt.Bus() != nil {
		t.Fatal("http and bus must stay off by default")
	}
	if !rt.Store().Persistent() {
		t.Fatal("expected sqlite store")
	}
}
