package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"voxelswarm.ai/internal/sim/engine"
	"voxelswarm.ai/internal/sim/tuning"
	"voxelswarm.ai/internal/sim/zone"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux, func()) {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.TickRateHz = 200
	eng := engine.New(cfg, engine.NewMemWorld(), nil)
	eng.AddZone(&zone.Zone{ID: "Z1", Size: 8})

	s := NewServer(eng, log.New(os.Stderr, "", 0))
	mux := http.NewServeMux()
	s.Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	return s, mux, func() {
		cancel()
		<-done
	}
}

func doReq(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.RemoteAddr = "127.0.0.1:51234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStateEndpoint(t *testing.T) {
	_, mux, stop := newTestServer(t)
	defer stop()

	rec := doReq(mux, http.MethodGet, "/admin/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d", rec.Code)
	}
	var resp struct {
		Tick    uint64         `json:"tick"`
		Metrics engine.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestCancelUnknownTaskIs404(t *testing.T) {
	_, mux, stop := newTestServer(t)
	defer stop()

	rec := doReq(mux, http.MethodPost, "/admin/v1/tasks/T000042/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", rec.Code)
	}
}

func TestAssignValidation(t *testing.T) {
	_, mux, stop := newTestServer(t)
	defer stop()

	rec := doReq(mux, http.MethodPost, "/admin/v1/zones/assign", `{"agent_id":"","zone_id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty assign: %d", rec.Code)
	}
	rec = doReq(mux, http.MethodPost, "/admin/v1/zones/assign", `{"agent_id":"A9","zone_id":"Z1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent: %d", rec.Code)
	}
}

func TestRebalanceEndpoint(t *testing.T) {
	_, mux, stop := newTestServer(t)
	defer stop()

	rec := doReq(mux, http.MethodPost, "/admin/v1/rebalance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rebalance: %d", rec.Code)
	}
	rec = doReq(mux, http.MethodGet, "/admin/v1/rebalance", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("rebalance GET: %d", rec.Code)
	}
}

func TestNonLoopbackForbidden(t *testing.T) {
	_, mux, stop := newTestServer(t)
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback: %d", rec.Code)
	}
}
