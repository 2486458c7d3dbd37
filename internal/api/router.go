// Package api exposes the coach-facing HTTP surface: note intake, draft
// review, analytics, trust settings and operational reads.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/analytics"
	"github.com/sells-group/coach-insights/internal/artifact"
	"github.com/sells-group/coach-insights/internal/drafts"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/pipeline"
	"github.com/sells-group/coach-insights/internal/ratelimit"
)

// Artifacts ingests and reads notes.
type Artifacts interface {
	Ingest(ctx context.Context, in artifact.NewArtifact) (*model.Artifact, error)
	Get(ctx context.Context, id string) (*model.Artifact, error)
	Resubmit(ctx context.Context, id string) (*model.Artifact, error)
}

// Processor runs the pipeline for one artifact.
type Processor interface {
	Process(ctx context.Context, artifactID string) (*pipeline.Result, error)
}

// Drafts is the coach review surface.
type Drafts interface {
	Get(ctx context.Context, id string) (*model.InsightDraft, error)
	Confirm(ctx context.Context, id, coachID string, batch bool) error
	Reject(ctx context.Context, id, coachID string, batch bool) error
	Edit(ctx context.Context, id, coachID string, payload json.RawMessage) error
	Snooze(ctx context.Context, id, coachID string, until time.Time) error
	Reassign(ctx context.Context, id, coachID, entityID string) error
	ConfirmAll(ctx context.Context, artifactID, coachID string) (drafts.BatchResult, error)
	RejectAll(ctx context.Context, artifactID, coachID string) (drafts.BatchResult, error)
	ListPending(ctx context.Context, coachID string) ([]model.InsightDraft, error)
	ListByArtifact(ctx context.Context, artifactID string) ([]model.InsightDraft, error)
}

// Analytics summarizes coach verdicts.
type Analytics interface {
	ForCoach(ctx context.Context, coachID string) (analytics.Summary, error)
}

// Trust reads and updates coach trust settings.
type Trust interface {
	Profile(ctx context.Context, coachID string) (*model.TrustProfile, error)
	SetPreferredThreshold(ctx context.Context, coachID string, cat model.Sensitivity, value *float64) (*model.TrustProfile, error)
	SetPreferredLevel(ctx context.Context, coachID string, level *model.TrustLevel) (*model.TrustProfile, error)
}

// Limits reports an org's rate-limit position.
type Limits interface {
	CheckRateLimit(ctx context.Context, orgID string) (ratelimit.Check, error)
	Limits(ctx context.Context, orgID string) ([]model.RateLimit, error)
}

// ProviderHealth reads stored breaker records.
type ProviderHealth interface {
	GetServiceHealth(ctx context.Context, provider string) (*model.ServiceHealth, error)
}

// Alerts acknowledges pipeline alerts.
type Alerts interface {
	Acknowledge(ctx context.Context, id string, now time.Time) error
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes.
type Deps struct {
	Artifacts Artifacts
	Processor Processor
	Drafts    Drafts
	Analytics Analytics
	Trust     Trust
	Limits    Limits
	Providers ProviderHealth
	Alerts    Alerts
	Store     Pinger
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
}

// Server holds the routes and the background processing started by note
// intake.
type Server struct {
	deps    Deps
	opts    Options
	bg      context.Context
	wg      sync.WaitGroup
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewServer creates a Server. Background processing runs under ctx's
// values but is not cancelled with it; call Wait to drain it.
func NewServer(ctx context.Context, deps Deps, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		bg:      context.WithoutCancel(ctx),
		log:     zap.L().With(zap.String("component", "api")),
		nowFunc: time.Now,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/artifacts", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/{id}", s.handleGetArtifact)
		r.Post("/{id}/resubmit", s.handleResubmit)
		r.Post("/{id}/drafts/confirm-all", s.handleConfirmAll)
		r.Post("/{id}/drafts/reject-all", s.handleRejectAll)
	})

	r.Route("/drafts/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetDraft)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/reject", s.handleReject)
		r.Post("/edit", s.handleEdit)
		r.Post("/snooze", s.handleSnooze)
		r.Post("/reassign", s.handleReassign)
	})

	r.Route("/coaches/{coachID}", func(r chi.Router) {
		r.Get("/drafts", s.handlePendingDrafts)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/trust", s.handleGetTrust)
		r.Put("/trust", s.handlePutTrust)
	})

	r.Get("/orgs/{orgID}/rate-limit", s.handleRateLimit)
	r.Get("/providers/{provider}/health", s.handleProviderHealth)
	r.Post("/alerts/{id}/ack", s.handleAckAlert)

	return r
}

// Wait blocks until background processing started by intake has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// process runs the pipeline for a freshly ingested or resubmitted
// artifact.
func (s *Server) process(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.deps.Processor.Process(s.bg, id)
		if err != nil {
			s.log.Warn("api: background processing failed", zap.String("artifact_id", id), zap.Error(err))
			return
		}
		s.log.Info("api: background processing complete",
			zap.String("artifact_id", id),
			zap.Int("claims", res.Claims),
			zap.Int("auto_applied", res.AutoApplied),
			zap.Int("review", res.Review),
		)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn("api: store ping failed", zap.Error(err))
			fail(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store unreachable", nil)
			return
		}
	}
	ok(w, map[string]string{"status": "ok"})
}
