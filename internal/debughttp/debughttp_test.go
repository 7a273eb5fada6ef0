package debughttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDebugMuxServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newDebugMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "profile?debug=1") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestDebugMuxServesPoolSnapshot(t *testing.T) {
	t.Parallel()

	mux := newDebugMux(func(context.Context) (any, error) {
		return map[string]int{"free": 3}, nil
	})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pool", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rr.Body.String(), `"free": 3`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestDebugMuxSnapshotError(t *testing.T) {
	t.Parallel()

	mux := newDebugMux(func(context.Context) (any, error) {
		return nil, errors.New("store closed")
	})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pool", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestDebugMuxWithoutSnapshot(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	newDebugMux(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pool", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStartDisabledForEmptyAddr(t *testing.T) {
	t.Parallel()

	if err := Start(context.Background(), "  ", nil, nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
