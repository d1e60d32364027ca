package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/model"
	"github.com/ppiankov/runforge/internal/supervisor"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleSubmitTask accepts a task and drives it until it parks or settles.
// The response is the workflow state at that point.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := s.sup.Handle(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.sup.List()})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	state, err := s.sup.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, supervisor.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	state, err := s.sup.Cancel(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, supervisor.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sup.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
	Note     string `json:"note"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.sup.Resolve(r.PathValue("id"), approval.Resolution(req.Decision), req.Actor, req.Note)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		WorkflowID: q.Get("workflow_id"),
		Actor:      q.Get("actor"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.To = t
	}

	result, err := audit.Query(s.cfg.AuditPath, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result := audit.Verify(s.cfg.AuditPath)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

type checkRequest struct {
	Role       string  `json:"role"`
	Action     string  `json:"action"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
}

// handleCheck answers a dry-run authorization question. No rate limit
// budget is consumed and nothing is audited.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res := s.enforcer.Check(guardrail.Request{
		Role:       model.Role(req.Role),
		Action:     req.Action,
		Target:     req.Target,
		Confidence: req.Confidence,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":    res.Decision,
		"reason":      res.Reason,
		"severity":    res.Severity,
		"policy_hash": res.PolicyHash,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
