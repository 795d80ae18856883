package server

import (
	"net/http"
	"time"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	filter := stores.LedgerFilter{
		TaskID: optString(r, "task_id"),
		Event:  optString(r, "event"),
		Actor:  optString(r, "actor"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, engine.NewPermanentError("since must be RFC 3339", err).
				WithCode(engine.ErrCodeValidation))
			return
		}
		filter.Since = &since
	}
	entries, err := s.eng.ListLedger(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDAG(w http.ResponseWriter, r *http.Request) {
	dot, err := s.eng.DependencyGraphDOT(r.Context(), r.URL.Query().Get("lane"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write([]byte(dot))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req engine.HeartbeatRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.eng.Heartbeat(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.eng.ListWorkers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers, "count": len(workers)})
}

func (s *Server) handleSweepLeases(w http.ResponseWriter, r *http.Request) {
	maxStale := time.Duration(queryInt(r, "max_stale_seconds", 0)) * time.Second
	result, err := s.eng.SweepStaleLeases(r.Context(), maxStale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSweepBlocked(w http.ResponseWriter, r *http.Request) {
	result, err := s.eng.SweepBlockedTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSweepWorkers(w http.ResponseWriter, r *http.Request) {
	offlined, err := s.eng.SweepOfflineWorkers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers_offlined": offlined})
}
