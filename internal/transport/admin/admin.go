// Package admin exposes the local-only operator surface: state inspection,
// task cancellation, zone assignment, and forced rebalancing. None of these
// endpoints bypass the tick loop; every mutation goes through the same
// channels clients use.
package admin

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	"voxelswarm.ai/internal/sim/engine"
)

type Server struct {
	eng *engine.Engine
	log *log.Logger
}

func NewServer(eng *engine.Engine, logger *log.Logger) *Server {
	return &Server{eng: eng, log: logger}
}

// Register installs the admin handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", s.guard(s.handleState))
	mux.HandleFunc("/admin/v1/claims", s.guard(s.handleClaims))
	mux.HandleFunc("/admin/v1/tasks/", s.guard(s.handleTask))
	mux.HandleFunc("/admin/v1/zones/assign", s.guard(s.handleAssign))
	mux.HandleFunc("/admin/v1/rebalance", s.guard(s.handleRebalance))
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	resp := struct {
		Tick    uint64         `json:"tick"`
		Metrics engine.Metrics `json:"metrics"`
	}{
		Tick:    s.eng.CurrentTick(),
		Metrics: s.eng.Metrics(),
	}
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) handleClaims(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(s.eng.Claims().Snapshot())
}

// handleTask serves /admin/v1/tasks/{id} (GET) and /admin/v1/tasks/{id}/cancel (POST).
func (s *Server) handleTask(rw http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/v1/tasks/")
	if cut, ok := strings.CutSuffix(path, "/cancel"); ok {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		found := s.eng.Cancel(cut)
		rw.Header().Set("Content-Type", "application/json")
		if !found {
			rw.WriteHeader(http.StatusNotFound)
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": found, "task_id": cut})
		return
	}

	v := s.eng.InspectTask(path)
	rw.Header().Set("Content-Type", "application/json")
	if !v.Found {
		rw.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false})
		return
	}
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) handleAssign(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		ZoneID  string `json:"zone_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.ZoneID == "" {
		http.Error(rw, "agent_id and zone_id required", http.StatusBadRequest)
		return
	}
	result := s.eng.AssignZone(req.AgentID, req.ZoneID)
	rw.Header().Set("Content-Type", "application/json")
	switch result {
	case "":
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
	case "invalid":
		rw.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": "unknown agent or zone"})
	default:
		rw.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": result})
	}
}

func (s *Server) handleRebalance(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n := s.eng.Rebalance()
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "assigned": n})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
