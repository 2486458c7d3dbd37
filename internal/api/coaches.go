package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/coach-insights/internal/model"
)

// trustRequest updates coach-visible trust settings. An absent field is
// left alone; an explicit null clears the preference.
type trustRequest struct {
	PreferredLevel      json.RawMessage                       `json:"preferred_level"`
	PreferredThresholds map[model.Sensitivity]json.RawMessage `json:"preferred_thresholds"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Analytics.ForCoach(r.Context(), chi.URLParam(r, "coachID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, sum)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Trust.Profile(r.Context(), chi.URLParam(r, "coachID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, p)
}

func (s *Server) handlePutTrust(w http.ResponseWriter, r *http.Request) {
	coachID := chi.URLParam(r, "coachID")
	var req trustRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if len(req.PreferredLevel) > 0 {
		var level *model.TrustLevel
		if err := json.Unmarshal(req.PreferredLevel, &level); err != nil {
			writeError(w, r, model.NewValidationError("preferred_level", "must be an integer or null"))
			return
		}
		if _, err := s.deps.Trust.SetPreferredLevel(r.Context(), coachID, level); err != nil {
			writeError(w, r, err)
			return
		}
	}

	cats := make([]model.Sensitivity, 0, len(req.PreferredThresholds))
	for c := range req.PreferredThresholds {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	for _, c := range cats {
		var value *float64
		if err := json.Unmarshal(req.PreferredThresholds[c], &value); err != nil {
			writeError(w, r, model.NewValidationError("preferred_thresholds", "values must be numbers or null"))
			return
		}
		if _, err := s.deps.Trust.SetPreferredThreshold(r.Context(), coachID, c, value); err != nil {
			writeError(w, r, err)
			return
		}
	}

	p, err := s.deps.Trust.Profile(r.Context(), coachID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, p)
}
