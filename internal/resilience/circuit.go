// Package resilience provides the provider circuit breaker, provider error
// types, and retry helpers for outbound calls that are safe to repeat.
package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the failure count inside Window that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// Window bounds how far apart counted failures may be. A failure after
	// the window restarts the count at 1. Default: 5m.
	Window time.Duration

	// Cooldown is how long an open circuit rejects calls before admitting a
	// single probe. A probe also counts as in flight for one Cooldown.
	// Default: 1m.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		Cooldown:         time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// ShouldCallAPI reports whether a call may proceed given the stored health
// record. A nil record means no history: the circuit is treated as closed.
func ShouldCallAPI(h *model.ServiceHealth, now time.Time, cfg BreakerConfig) bool {
	if h == nil {
		return true
	}
	cfg = cfg.withDefaults()

	probeLive := h.ProbeStartedAt != nil && now.Sub(*h.ProbeStartedAt) < cfg.Cooldown

	switch h.State {
	case model.CircuitOpen:
		cooled := h.LastFailureAt == nil || now.Sub(*h.LastFailureAt) >= cfg.Cooldown
		return cooled && !probeLive
	case model.CircuitHalfOpen:
		return !probeLive
	default:
		return true
	}
}

// Transition is the state and failure count after one call outcome.
type Transition struct {
	State        model.CircuitState
	FailureCount int
}

// NextState computes the breaker state after a call outcome.
//
// Success from open or half_open closes the circuit and clears the count.
// Success while closed leaves the windowed count alone. Failure from open or
// half_open re-opens. Failure while closed counts toward the threshold when
// the previous failure is inside the window, and restarts at 1 otherwise.
func NextState(state model.CircuitState, success bool, failureCount int, lastFailureAt *time.Time, now time.Time, cfg BreakerConfig) Transition {
	cfg = cfg.withDefaults()
	if state == "" {
		state = model.CircuitClosed
	}

	if success {
		if state == model.CircuitOpen || state == model.CircuitHalfOpen {
			return Transition{State: model.CircuitClosed, FailureCount: 0}
		}
		return Transition{State: state, FailureCount: failureCount}
	}

	if state == model.CircuitOpen || state == model.CircuitHalfOpen {
		return Transition{State: model.CircuitOpen, FailureCount: failureCount + 1}
	}

	count := 1
	if lastFailureAt != nil && now.Sub(*lastFailureAt) <= cfg.Window {
		count = failureCount + 1
	}
	if count >= cfg.FailureThreshold {
		return Transition{State: model.CircuitOpen, FailureCount: count}
	}
	return Transition{State: model.CircuitClosed, FailureCount: count}
}

// HealthStore persists one ServiceHealth record per provider.
type HealthStore interface {
	GetServiceHealth(ctx context.Context, provider string) (*model.ServiceHealth, error)
	SaveServiceHealth(ctx context.Context, h *model.ServiceHealth) error
}

// Ticket is handed out by Allow and passed back to Record.
type Ticket struct {
	// Probe is set when the call was admitted as the single recovery probe
	// of an open circuit.
	Probe bool
}

// Breaker applies ShouldCallAPI and NextState to the persisted health
// record of one provider. Every read-modify-write holds the provider key.
type Breaker struct {
	provider string
	store    HealthStore
	locker   lock.Locker
	cfg      BreakerConfig

	// OnStateChange is called after a state change is saved.
	OnStateChange func(provider string, from, to model.CircuitState)

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBreaker creates a breaker for provider.
func NewBreaker(provider string, store HealthStore, locker lock.Locker, cfg BreakerConfig) *Breaker {
	return &Breaker{
		provider: provider,
		store:    store,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// Provider returns the provider name the breaker guards.
func (b *Breaker) Provider() string {
	return b.provider
}

func (b *Breaker) key() string {
	return "breaker:" + b.provider
}

func (b *Breaker) load(ctx context.Context) (*model.ServiceHealth, error) {
	h, err := b.store.GetServiceHealth(ctx, b.provider)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "breaker: load %s", b.provider)
	}
	return h, nil
}

// Allow admits a call or returns ErrCircuitOpen. Admitting a call on a
// non-closed circuit marks it as the probe; the stored state stays as is
// until Record resolves the probe.
func (b *Breaker) Allow(ctx context.Context) (Ticket, error) {
	unlock, err := b.locker.Lock(ctx, b.key())
	if err != nil {
		return Ticket{}, err
	}
	defer unlock()

	h, err := b.load(ctx)
	if err != nil {
		return Ticket{}, err
	}

	now := b.nowFunc().UTC()
	if !ShouldCallAPI(h, now, b.cfg) {
		return Ticket{}, eris.Wrapf(ErrCircuitOpen, "breaker: %s", b.provider)
	}
	if h == nil || h.State == model.CircuitClosed {
		return Ticket{}, nil
	}

	h.ProbeStartedAt = &now
	h.LastCheckedAt = now
	if err := b.store.SaveServiceHealth(ctx, h); err != nil {
		return Ticket{}, eris.Wrapf(err, "breaker: mark probe %s", b.provider)
	}
	zap.L().Info("breaker: probe admitted", zap.String("provider", b.provider))
	return Ticket{Probe: true}, nil
}

// Record applies the outcome of an admitted call.
func (b *Breaker) Record(ctx context.Context, t Ticket, success bool) error {
	unlock, err := b.locker.Lock(ctx, b.key())
	if err != nil {
		return err
	}
	defer unlock()

	h, err := b.load(ctx)
	if err != nil {
		return err
	}
	if h == nil {
		h = &model.ServiceHealth{Provider: b.provider, State: model.CircuitClosed}
	}

	now := b.nowFunc().UTC()
	from := h.State

	// A success from a call admitted while the circuit was still closed
	// says nothing about recovery; only the probe may close it.
	if success && !t.Probe && h.State != model.CircuitClosed {
		h.LastSuccessAt = &now
		h.LastCheckedAt = now
		if err := b.store.SaveServiceHealth(ctx, h); err != nil {
			return eris.Wrapf(err, "breaker: save %s", b.provider)
		}
		return nil
	}

	next := NextState(h.State, success, h.FailureCount, h.LastFailureAt, now, b.cfg)

	h.State = next.State
	h.FailureCount = next.FailureCount
	h.LastCheckedAt = now
	if success {
		h.LastSuccessAt = &now
	} else {
		h.LastFailureAt = &now
	}
	if t.Probe || h.State == model.CircuitClosed {
		h.ProbeStartedAt = nil
	}

	if err := b.store.SaveServiceHealth(ctx, h); err != nil {
		return eris.Wrapf(err, "breaker: save %s", b.provider)
	}

	if from != h.State {
		zap.L().Warn("breaker: state change",
			zap.String("provider", b.provider),
			zap.String("from", string(from)),
			zap.String("to", string(h.State)),
			zap.Int("failure_count", h.FailureCount),
		)
		if b.OnStateChange != nil {
			b.OnStateChange(b.provider, from, h.State)
		}
	}
	return nil
}

// Abandon gives back a ticket whose call never produced an outcome, such as
// one cancelled by its caller. A probe marker is cleared so the next caller
// may probe; nothing is counted.
func (b *Breaker) Abandon(ctx context.Context, t Ticket) error {
	if !t.Probe {
		return nil
	}
	unlock, err := b.locker.Lock(ctx, b.key())
	if err != nil {
		return err
	}
	defer unlock()

	h, err := b.load(ctx)
	if err != nil || h == nil {
		return err
	}
	h.ProbeStartedAt = nil
	h.LastCheckedAt = b.nowFunc().UTC()
	if err := b.store.SaveServiceHealth(ctx, h); err != nil {
		return eris.Wrapf(err, "breaker: abandon probe %s", b.provider)
	}
	return nil
}

// Health returns the stored record, or a closed record when none exists.
func (b *Breaker) Health(ctx context.Context) (*model.ServiceHealth, error) {
	h, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return &model.ServiceHealth{Provider: b.provider, State: model.CircuitClosed}, nil
	}
	return h, nil
}
