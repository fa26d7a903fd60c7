// Package poller drives the fetch-parse-diff-notify cycle on a fixed
// cadence.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
	"svitlobot/internal/trigger"
	logx "svitlobot/pkg/logx"
)

// Config configures the poll cycle.
type Config struct {
	Interval     time.Duration // 0 means 10m
	InitialDelay time.Duration // 0 means 10s
	Timezone     string        // IANA name; empty means Europe/Kyiv
}

// Source produces the raw schedule page.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Deliverer sends one rendered event to its user.
type Deliverer interface {
	Deliver(ctx context.Context, ev trigger.Event, date schedule.Date) error
}

// Service owns the poll loop. One tick runs at a time; a tick still in
// flight when the next fires is skipped, not queued.
type Service struct {
	interval time.Duration
	delay    time.Duration
	loc      *time.Location

	src      Source
	repo     *schedule.Repository
	registry *subscription.Registry
	engine   *trigger.Engine
	deliver  Deliverer
	log      logx.Logger

	cron    *cron.Cron
	first   *time.Timer
	running atomic.Bool

	mu       sync.Mutex
	lastTick time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, src Source, repo *schedule.Repository, registry *subscription.Registry, engine *trigger.Engine, deliver Deliverer, log logx.Logger) (*Service, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "Europe/Kyiv"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("poller timezone %q: %w", tz, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		interval: interval,
		delay:    delay,
		loc:      loc,
		src:      src,
		repo:     repo,
		registry: registry,
		engine:   engine,
		deliver:  deliver,
		log:      log,
	}, nil
}

// Location returns the poller's wall-clock location.
func (s *Service) Location() *time.Location { return s.loc }

// Start arms the first tick and the recurring schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLog{s.log})),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), s.runTick); err != nil {
		return fmt.Errorf("poller schedule: %w", err)
	}
	s.cron = c
	s.first = time.AfterFunc(s.delay, s.runTick)
	c.Start()
	s.log.Info("poller started",
		logx.Duration("interval", s.interval),
		logx.Duration("initial_delay", s.delay),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts the schedule and waits for the cron runner to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	first := s.first
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if first != nil {
		first.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLog bridges cron's logger to logx for the Recover chain.
type cronLog struct {
	log logx.Logger
}

func (c cronLog) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLog) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}

func (s *Service) runTick() {
	// The first tick runs off a plain timer, outside cron's Recover chain.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("poll tick panicked", logx.Any("panic", r))
		}
	}()
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("poll tick skipped, previous still running")
		return
	}
	defer s.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.Tick(ctx, time.Now().In(s.loc))
}

// Tick runs one full cycle at the given instant. A fetch or parse failure
// leaves the repository and the catch-up cursor untouched, so the next
// successful tick covers the gap.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	body, err := s.src.Fetch(ctx)
	if err != nil {
		s.log.Warn("schedule fetch failed", logx.Err(err))
		return
	}
	snap, err := schedule.Parse(body)
	if err != nil {
		s.log.Warn("schedule parse failed", logx.Err(err))
		return
	}
	if len(snap) == 0 {
		s.log.Warn("schedule page had no dated rows")
		return
	}

	s.repo.UpdateAll(snap)

	today := schedule.DateOf(now)
	day, _ := s.repo.SnapshotForDate(today)
	changes := s.repo.Diff(today)

	s.mu.Lock()
	lastTick := s.lastTick
	s.mu.Unlock()

	events := s.engine.Evaluate(now, lastTick, day, changes, s.registry.List())
	for _, ev := range events {
		if err := s.deliver.Deliver(ctx, ev, today); err != nil {
			s.log.Warn("delivery failed",
				logx.String("kind", ev.Kind.String()),
				logx.Int64("user", ev.UserID),
				logx.Err(err))
		}
	}
	if len(events) > 0 {
		s.log.Info("tick delivered", logx.Int("events", len(events)))
	}

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
}
