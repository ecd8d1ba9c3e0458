// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statusapi exposes the process's replication status over HTTP:
// GET /api/v1/status (spec.md's status JSON), GET /api/v1/health (plain
// liveness), GET /metrics (hand-written Prometheus text exposition) and
// an optional GET /api/v1/host (gopsutil host stats). Router construction
// and the hand-written text-metrics style follow
// internal/server/observability/http.go. The CIDR ACL below is that
// package's acl.go ported verbatim in shape (deny-by-default IP/CIDR
// match) and rebound to this mux, rather than imported, since
// observability's router file still carries teacher-specific config
// types outside this module's domain.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// ACL controls HTTP access by IP/CIDR: deny-by-default, only remote
// addresses contained in at least one configured CIDR are allowed.
type ACL struct {
	nets []*net.IPNet
}

// NewACL returns an ACL over already-parsed CIDRs.
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware wraps next with a check against the ACL, returning 403 for
// any remote address not covered by a configured CIDR.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether remoteAddr (host:port, or a bare host) falls
// inside one of the ACL's CIDRs.
func (a *ACL) Allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// TargetView is one target's JSON shape inside the status response.
type TargetView struct {
	Phase               string    `json:"phase"`
	Healthy             bool      `json:"healthy"`
	TotalSynced         uint64    `json:"total_synced"`
	TotalFailed         uint64    `json:"total_failed"`
	LastSyncTime        time.Time `json:"last_sync_time"`
	LastError           string    `json:"last_error"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// StatusResponse is spec.md §6's status JSON shape:
// {running, uptime_s, targets: {name -> TargetView}}.
type StatusResponse struct {
	Running bool                  `json:"running"`
	UptimeS float64               `json:"uptime_s"`
	Targets map[string]TargetView `json:"targets"`
}

// TargetSource supplies the live state needed to build the status
// response without coupling this package to the orchestrator's types.
type TargetSource interface {
	TargetStates() map[string]*model.TargetState
}

// Server serves the status, health, metrics and optional host endpoints.
type Server struct {
	source TargetSource
	acl    *ACL
}

// New returns a Server reading target state from source. acl may be nil
// to disable the CIDR allowlist.
func New(source TargetSource, acl *ACL) *Server {
	return &Server{source: source, acl: acl}
}

// Handler builds the http.Handler for this server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/host", s.handleHost)

	var h http.Handler = mux
	if s.acl != nil {
		h = s.acl.Middleware(mux)
	}
	return h
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := s.source.TargetStates()
	targets := make(map[string]TargetView, len(states))
	for name, st := range states {
		snap := st.Snapshot()
		targets[name] = TargetView{
			Phase:               string(snap.Phase),
			Healthy:             snap.Phase != model.PhaseUnhealthy,
			TotalSynced:         snap.Totals.Synced,
			TotalFailed:         snap.Totals.Failed,
			LastSyncTime:        snap.LastSyncWallTime,
			LastError:           snap.LastError,
			ConsecutiveFailures: snap.ConsecutiveFailures,
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Running: true,
		UptimeS: time.Since(startTime).Seconds(),
		Targets: targets,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	states := s.source.TargetStates()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP redis_fanout_uptime_seconds Seconds since process start.\n")
	fmt.Fprintf(w, "# TYPE redis_fanout_uptime_seconds gauge\n")
	fmt.Fprintf(w, "redis_fanout_uptime_seconds %f\n", time.Since(startTime).Seconds())

	fmt.Fprintf(w, "# HELP redis_fanout_target_healthy Whether a target is currently healthy (1) or not (0).\n")
	fmt.Fprintf(w, "# TYPE redis_fanout_target_healthy gauge\n")
	fmt.Fprintf(w, "# HELP redis_fanout_target_commands_synced_total Commands/keys successfully applied to a target.\n")
	fmt.Fprintf(w, "# TYPE redis_fanout_target_commands_synced_total counter\n")
	fmt.Fprintf(w, "# HELP redis_fanout_target_commands_failed_total Commands/keys that failed to apply to a target.\n")
	fmt.Fprintf(w, "# TYPE redis_fanout_target_commands_failed_total counter\n")

	for name, st := range states {
		snap := st.Snapshot()
		healthy := 0
		if snap.Phase != model.PhaseUnhealthy {
			healthy = 1
		}
		fmt.Fprintf(w, "redis_fanout_target_healthy{target=%q} %d\n", name, healthy)
		fmt.Fprintf(w, "redis_fanout_target_commands_synced_total{target=%q} %d\n", name, snap.Totals.Synced)
		fmt.Fprintf(w, "redis_fanout_target_commands_failed_total{target=%q} %d\n", name, snap.Totals.Failed)
	}

	fmt.Fprintf(w, "# HELP redis_fanout_runtime_goroutines Number of live goroutines.\n")
	fmt.Fprintf(w, "# TYPE redis_fanout_runtime_goroutines gauge\n")
	fmt.Fprintf(w, "redis_fanout_runtime_goroutines %d\n", runtime.NumGoroutine())
}

// HostView is the optional, additive host-stats payload (not part of
// spec.md's minimal status JSON).
type HostView struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemUsedPct  float64 `json:"mem_used_percent"`
	MemTotalMB  uint64  `json:"mem_total_mb"`
	NumCPU      int     `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	view := HostView{NumCPU: runtime.NumCPU(), NumGoroutine: runtime.NumGoroutine()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		view.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		view.MemUsedPct = vm.UsedPercent
		view.MemTotalMB = vm.Total / (1024 * 1024)
	}

	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ParseCIDRs parses a list of CIDR strings into net.IPNet, for building
// an ACL from config.WebUIConfig.AllowCIDRs.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing CIDR %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}
