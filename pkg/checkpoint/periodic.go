package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/output"
)

// Schedule is a controller-driven checkpoint cadence: either a fixed
// interval or a cron expression.
type Schedule struct {
	Every time.Duration
	Cron  string
}

// IsZero reports whether no schedule is configured.
func (s Schedule) IsZero() bool { return s.Every <= 0 && s.Cron == "" }

func (s Schedule) String() string {
	if s.Cron != "" {
		return s.Cron
	}
	return s.Every.String()
}

// ParseSchedule accepts a Go duration ("15m"), a 5-field cron expression
// ("*/30 * * * *") or a descriptor ("@hourly", "@every 10m"). An empty
// string is the zero Schedule.
func ParseSchedule(expr string) (Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return Schedule{}, nil
	}
	if d, err := time.ParseDuration(e); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("schedule interval must be positive: %s", e)
		}
		return Schedule{Every: d}, nil
	}
	if err := parseCron(e); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", e, err)
	}
	return Schedule{Cron: e}, nil
}

func parseCron(expr string) error {
	// Descriptors and @every are handled by ParseStandard.
	if strings.HasPrefix(expr, "@") {
		_, err := cron.ParseStandard(expr)
		return err
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return fmt.Errorf("expected 5 cron fields, got %d", n)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}

func (s Schedule) job() (gocron.JobDefinition, error) {
	switch {
	case s.Cron != "":
		return gocron.CronJob(s.Cron, false), nil
	case s.Every > 0:
		return gocron.DurationJob(s.Every), nil
	default:
		return nil, errors.New("empty schedule")
	}
}

// AliveFunc reports whether the coordinator is still reachable.
type AliveFunc func(ctx context.Context) bool

// RunPeriodic issues scheduled checkpoints until ctx is cancelled or the
// coordinator disappears. Each tick first checks liveness; a failed check
// shuts the schedule down and RunPeriodic returns nil. Failed or rejected
// requests are logged and the schedule continues.
func (s *Scheduler) RunPeriodic(ctx context.Context, sched Schedule, alive AliveFunc) error {
	def, err := sched.job()
	if err != nil {
		return err
	}

	gs, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing checkpoint scheduler: %w", err)
	}

	gone := make(chan struct{})
	var goneOnce sync.Once

	tick := func() {
		if alive != nil && !alive(ctx) {
			s.logger.Info("coordinator gone; stopping checkpoint schedule",
				zap.String("endpoint", s.ep.String()))
			goneOnce.Do(func() { close(gone) })
			return
		}
		err := s.request(ctx, output.TriggerScheduled)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotRunning), errors.Is(err, ErrCheckpointInFlight):
			s.logger.Debug("scheduled checkpoint skipped", zap.Error(err))
		default:
			s.logger.Warn("scheduled checkpoint failed", zap.Error(err))
		}
	}

	if _, err := gs.NewJob(def, gocron.NewTask(tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = gs.Shutdown()
		return fmt.Errorf("initializing checkpoint job: %w", err)
	}

	s.logger.Info("checkpoint schedule started",
		zap.String("endpoint", s.ep.String()),
		zap.String("schedule", sched.String()),
	)
	gs.Start()
	defer func() {
		if err := gs.Shutdown(); err != nil {
			s.logger.Warn("shutting down checkpoint scheduler failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case <-gone:
	}
	return nil
}
