package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

type fakeSource struct {
	states map[string]*model.TargetState
}

func (f fakeSource) TargetStates() map[string]*model.TargetState { return f.states }

func newFakeTarget(phase model.Phase, synced, failed uint64) *model.TargetState {
	st := model.NewTargetState()
	st.Lock()
	st.Phase = phase
	st.Totals = model.TargetTotals{Synced: synced, Failed: failed}
	st.Unlock()
	return st
}

func TestHandleStatusShape(t *testing.T) {
	src := fakeSource{states: map[string]*model.TargetState{
		"replica-a": newFakeTarget(model.PhaseIncremental, 10, 1),
		"replica-b": newFakeTarget(model.PhaseUnhealthy, 0, 5),
	}}
	srv := New(src, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Running {
		t.Fatalf("want running=true")
	}
	if len(resp.Targets) != 2 {
		t.Fatalf("want 2 targets, got %d", len(resp.Targets))
	}
	if resp.Targets["replica-a"].Healthy != true {
		t.Fatalf("replica-a should be healthy")
	}
	if resp.Targets["replica-b"].Healthy != false {
		t.Fatalf("replica-b (UNHEALTHY phase) should not be healthy")
	}
	if resp.Targets["replica-a"].TotalSynced != 10 {
		t.Fatalf("want total_synced 10, got %d", resp.Targets["replica-a"].TotalSynced)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := New(fakeSource{states: map[string]*model.TargetState{}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestACLAllowedAndDenied(t *testing.T) {
	nets, err := ParseCIDRs([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseCIDRs: %v", err)
	}
	acl := NewACL(nets)

	if !acl.Allowed("10.1.2.3:5555") {
		t.Fatalf("10.1.2.3 should be allowed by 10.0.0.0/8")
	}
	if acl.Allowed("192.168.1.1:5555") {
		t.Fatalf("192.168.1.1 should not be allowed")
	}
}

func TestMetricsEndpointIncludesPerTargetLines(t *testing.T) {
	src := fakeSource{states: map[string]*model.TargetState{
		"replica-a": newFakeTarget(model.PhaseIncremental, 3, 0),
	}}
	srv := New(src, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `target="replica-a"`) {
		t.Fatalf("expected per-target label in metrics output, got: %s", body)
	}
}
