package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/coach-insights/internal/artifact"
	"github.com/sells-group/coach-insights/internal/model"
)

type artifactView struct {
	Artifact *model.Artifact     `json:"artifact"`
	Drafts   []model.InsightDraft `json:"drafts"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in artifact.NewArtifact
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.deps.Artifacts.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.process(a.ID)
	accepted(w, a)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.deps.Artifacts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := s.deps.Drafts.ListByArtifact(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ds == nil {
		ds = []model.InsightDraft{}
	}
	ok(w, artifactView{Artifact: a, Drafts: ds})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Artifacts.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.process(a.ID)
	accepted(w, a)
}

func (s *Server) handleConfirmAll(w http.ResponseWriter, r *http.Request) {
	var req coachRequest
	if err := decodeCoach(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Drafts.ConfirmAll(r.Context(), chi.URLParam(r, "id"), req.CoachID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleRejectAll(w http.ResponseWriter, r *http.Request) {
	var req coachRequest
	if err := decodeCoach(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Drafts.RejectAll(r.Context(), chi.URLParam(r, "id"), req.CoachID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, res)
}
