package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/ratelimit"
)

type rateLimitView struct {
	Check  ratelimit.Check   `json:"check"`
	Limits []model.RateLimit `json:"limits"`
}

type providerHealthView struct {
	*model.ServiceHealth
	Status model.HealthStatus `json:"status"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	check, err := s.deps.Limits.CheckRateLimit(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limits, err := s.deps.Limits.Limits(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limits == nil {
		limits = []model.RateLimit{}
	}
	ok(w, rateLimitView{Check: check, Limits: limits})
}

// handleProviderHealth reports a provider with no record as closed and
// healthy.
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	h, err := s.deps.Providers.GetServiceHealth(r.Context(), provider)
	switch {
	case model.IsNotFound(err):
		h = &model.ServiceHealth{Provider: provider, State: model.CircuitClosed}
	case err != nil:
		writeError(w, r, err)
		return
	}
	ok(w, providerHealthView{ServiceHealth: h, Status: h.Status()})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Alerts.Acknowledge(r.Context(), id, s.nowFunc()); err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, map[string]any{"id": id, "acknowledged": true})
}
