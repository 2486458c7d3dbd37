package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/coach-insights/internal/model"
)

type coachRequest struct {
	CoachID string `json:"coach_id"`
}

type verdictRequest struct {
	CoachID string `json:"coach_id"`
	Batch   bool   `json:"batch"`
}

type editRequest struct {
	CoachID string          `json:"coach_id"`
	Payload json.RawMessage `json:"payload"`
}

type snoozeRequest struct {
	CoachID string     `json:"coach_id"`
	Until   *time.Time `json:"until"`
	Hours   int        `json:"hours"`
}

type reassignRequest struct {
	CoachID  string `json:"coach_id"`
	EntityID string `json:"entity_id"`
}

func requireCoach(coachID string) error {
	if strings.TrimSpace(coachID) == "" {
		return model.NewValidationError("coach_id", "required")
	}
	return nil
}

func decodeCoach(w http.ResponseWriter, r *http.Request, req *coachRequest) error {
	if err := decode(w, r, req); err != nil {
		return err
	}
	return requireCoach(req.CoachID)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	s.respondDraft(w, r, chi.URLParam(r, "id"))
}

// respondDraft writes the draft's current state.
func (s *Server) respondDraft(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.deps.Drafts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, d)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req verdictRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireCoach(req.CoachID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Drafts.Confirm(r.Context(), id, req.CoachID, req.Batch); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondDraft(w, r, id)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req verdictRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireCoach(req.CoachID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Drafts.Reject(r.Context(), id, req.CoachID, req.Batch); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondDraft(w, r, id)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req editRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireCoach(req.CoachID); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, r, model.NewValidationError("payload", "required"))
		return
	}
	if err := s.deps.Drafts.Edit(r.Context(), id, req.CoachID, req.Payload); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondDraft(w, r, id)
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req snoozeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireCoach(req.CoachID); err != nil {
		writeError(w, r, err)
		return
	}
	var until time.Time
	switch {
	case req.Until != nil:
		until = *req.Until
	case req.Hours > 0:
		until = s.nowFunc().Add(time.Duration(req.Hours) * time.Hour)
	default:
		writeError(w, r, model.NewValidationError("until", "until or hours is required"))
		return
	}
	if err := s.deps.Drafts.Snooze(r.Context(), id, req.CoachID, until); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondDraft(w, r, id)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reassignRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireCoach(req.CoachID); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.EntityID) == "" {
		writeError(w, r, model.NewValidationError("entity_id", "required"))
		return
	}
	if err := s.deps.Drafts.Reassign(r.Context(), id, req.CoachID, req.EntityID); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondDraft(w, r, id)
}

func (s *Server) handlePendingDrafts(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Drafts.ListPending(r.Context(), chi.URLParam(r, "coachID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ds == nil {
		ds = []model.InsightDraft{}
	}
	ok(w, ds)
}
