package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	var order []string
	sm.RegisterCloser("engine", CloserFunc(func() error { order = append(order, "engine"); return nil }))
	sm.RegisterCloser("http", CloserFunc(func() error { order = append(order, "http"); return nil }))

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "http" || order[1] != "engine" {
		t.Errorf("close order %v", order)
	}

	// Second call is a no-op.
	if err := sm.Shutdown(context.Background(), "again"); err != nil || len(order) != 2 {
		t.Errorf("second shutdown: err=%v order=%v", err, order)
	}
	if sm.TrackRequest() {
		t.Error("request accepted after shutdown")
	}
}

func TestShutdown_ReportsFirstCloseError(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	boom := errors.New("boom")
	sm.RegisterCloser("store", CloserFunc(func() error { return boom }))

	if err := sm.Shutdown(context.Background(), "test"); !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
}

func TestShutdown_DrainTimesOut(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: time.Second, DrainTimeout: 100 * time.Millisecond})
	if !sm.TrackRequest() {
		t.Fatal("request refused before shutdown")
	}

	if err := sm.Shutdown(context.Background(), "test"); err == nil {
		t.Error("expected drain timeout")
	}
	if sm.TrackRequest() {
		t.Error("request accepted after shutdown")
	}
}

func TestListenForSignals_ReturnsAfterShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	done := make(chan error, 1)
	go func() { done <- sm.ListenForSignals(context.Background()) }()

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("listen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not return")
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status %d before shutdown", rec.Code)
	}

	sm.Shutdown(context.Background(), "test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d during shutdown", rec.Code)
	}
}
