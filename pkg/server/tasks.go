package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.CreateTask(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := stores.TaskFilter{
		Lane:     optString(r, "lane"),
		WorkerID: optString(r, "worker_id"),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := stores.TaskStatus(raw)
		filter.Status = &status
	}
	tasks, err := s.eng.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To    string `json:"to"`
		Actor string `json:"actor"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := engine.ActorHuman
	if req.Actor != "" {
		actor = engine.Actor(req.Actor)
	}
	task, err := s.eng.UpdateTaskState(r.Context(), chi.URLParam(r, "task_id"), engine.Status(req.To), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lane       string `json:"lane"`
		WorkerID   string `json:"worker_id"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.ClaimTask(r.Context(), req.Lane, req.WorkerID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID   string `json:"worker_id"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	expiry, err := s.eng.RenewLease(r.Context(), chi.URLParam(r, "task_id"), req.WorkerID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": expiry})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	packet, report, err := s.eng.GenerateReviewPacket(r.Context(), chi.URLParam(r, "task_id"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packet": packet, "report": report})
}

func (s *Server) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	packet, err := s.eng.GetReviewPacket(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packet)
}

func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
		Actor    string `json:"actor"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := engine.ActorHuman
	if req.Actor != "" {
		actor = engine.Actor(req.Actor)
	}
	task, err := s.eng.SubmitReviewDecision(r.Context(), chi.URLParam(r, "task_id"),
		engine.GavelDecision(req.Decision), req.Notes, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
		Reason   string `json:"reason"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.BlockTask(r.Context(), chi.URLParam(r, "task_id"), req.WorkerID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// reasonBody is the shared body of the admin verbs that only need a
// human-readable reason for the ledger.
type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req reasonBody
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.RequeueTask(r.Context(), chi.URLParam(r, "task_id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req reasonBody
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.ForceUnblock(r.Context(), chi.URLParam(r, "task_id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonBody
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.CancelTask(r.Context(), chi.URLParam(r, "task_id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleJustify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	taskID := chi.URLParam(r, "task_id")
	if err := s.eng.AddJustification(r.Context(), taskID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "justified": true})
}

func (s *Server) handleCheckGate(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.CheckGatekeeper(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	states, ready, err := s.eng.DependencyStatus(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dependencies": states, "ready": ready})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.eng.ListReviewQueue(r.Context(), r.URL.Query().Get("lane"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reviews": items, "count": len(items)})
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.eng.ListDeadLetter(r.Context(), r.URL.Query().Get("lane"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}
