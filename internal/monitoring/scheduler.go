package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one periodic task.
type Job struct {
	Name string
	// Spec is a standard 5-field cron expression. Empty disables the job.
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs periodic jobs in-process. A job still running when its
// next tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	jobs   []string
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler parses every job spec. Jobs run with a context that is
// cancelled by Stop.
func NewScheduler(jobs []Job) (*Scheduler, error) {
	log := zap.L().With(zap.String("component", "monitoring.scheduler"))
	cl := cronLogger{s: log.Sugar()}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, ctx: ctx, cancel: cancel, log: log}

	for _, j := range jobs {
		spec := strings.TrimSpace(j.Spec)
		if spec == "" {
			log.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		job := j
		if _, err := c.AddFunc(spec, func() { s.run(job) }); err != nil {
			cancel()
			return nil, eris.Wrapf(err, "monitoring: schedule %s (%q)", j.Name, spec)
		}
		s.jobs = append(s.jobs, j.Name)
	}
	return s, nil
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	return s.jobs
}

func (s *Scheduler) run(j Job) {
	start := time.Now()
	err := j.Run(s.ctx)
	if err != nil {
		s.log.Error("job failed", zap.String("job", j.Name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	s.log.Debug("job complete", zap.String("job", j.Name), zap.Duration("elapsed", time.Since(start)))
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started", zap.Strings("jobs", s.jobs))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}
