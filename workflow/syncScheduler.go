package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultTickInterval = time.Minute

// Skip reasons reported by Tick.
const (
	SkipDisabled     = "auto_sync_disabled"
	SkipOutOfWindow  = "outside_active_hours"
	SkipInterval     = "interval_not_elapsed"
	SkipInProgress   = "sync_in_progress"
	SkipConfigFailed = "config_unavailable"
)

// SyncScheduler drives incremental runs on a timer. It is owned by the
// composition root; tests build their own instances.
type SyncScheduler struct {
	svc          *sheetsync.Service
	now          func() time.Time
	tickInterval time.Duration
	logger       *logrus.Logger

	mu       sync.Mutex
	running  bool
	booted   bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastSkip string
}

type SchedulerOption func(*SyncScheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *SyncScheduler) { s.now = now }
}

func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *SyncScheduler) { s.tickInterval = d }
}

func WithSchedulerLogger(logger *logrus.Logger) SchedulerOption {
	return func(s *SyncScheduler) { s.logger = logger }
}

func NewSyncScheduler(svc *sheetsync.Service, opts ...SchedulerOption) *SyncScheduler {
	s := &SyncScheduler{
		svc:          svc,
		now:          func() time.Time { return time.Now().UTC() },
		tickInterval: defaultTickInterval,
		logger:       config.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tickInterval <= 0 {
		s.tickInterval = defaultTickInterval
	}
	return s
}

// Start launches the timer. The first start in a process turns auto sync off in
// the persisted config; it has to be re-enabled explicitly.
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.booted {
		if err := models.SetAutoSyncEnabled(ctx, s.svc.DB(), false); err != nil {
			return fmt.Errorf("disable auto sync on boot: %w", err)
		}
		s.booted = true
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true

	go s.loop(loopCtx, done)
	s.logger.WithFields(logrus.Fields{
		"field":    "SyncScheduler",
		"interval": s.tickInterval.String(),
	}).Info("sheet sync scheduler started")
	return nil
}

func (s *SyncScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop halts the timer and waits for an in-flight tick to finish.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.svc.State().SetNextRunAt(nil)
	s.logger.WithField("field", "SyncScheduler").Info("sheet sync scheduler stopped")
}

func (s *SyncScheduler) Restart(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

func (s *SyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SyncScheduler) Health() sheetsync.SchedulerHealth {
	snap := s.svc.GetSyncState()
	s.mu.Lock()
	defer s.mu.Unlock()
	return sheetsync.SchedulerHealth{
		IsRunning:        s.running,
		IsSyncInProgress: snap.InProgress,
		LastRunAt:        snap.LastRunAt,
		NextRunAt:        snap.NextRunAt,
		LastResult:       snap.LastResult,
		LastSkipReason:   s.lastSkip,
	}
}

// Tick runs one scheduling decision. It returns whether a run happened and,
// if not, why it was skipped.
func (s *SyncScheduler) Tick(ctx context.Context) (bool, string) {
	state := s.svc.State()
	now := s.now()

	cfg, err := models.GetActiveSyncConfig(ctx, s.svc.DB())
	if err != nil {
		config.LogError(s.logger, "workflow", "SyncScheduler.Tick", "read sync config", nil, err)
		return s.skip(SkipConfigFailed)
	}
	if !cfg.AutoSyncEnabled {
		state.SetNextRunAt(nil)
		return s.skip(SkipDisabled)
	}

	loc := cfg.Location()
	window, err := ParseActiveWindow(cfg.ActiveHoursStart, cfg.ActiveHoursEnd)
	if err != nil {
		config.LogError(s.logger, "workflow", "SyncScheduler.Tick", "parse active hours", cfg, err)
		return s.skip(SkipConfigFailed)
	}
	if !window.Contains(now.In(loc)) {
		next := window.NextOpening(now.In(loc)).UTC()
		state.SetNextRunAt(&next)
		return s.skip(SkipOutOfWindow)
	}

	interval := time.Duration(cfg.SyncIntervalMinutes) * time.Minute
	if last := state.LastRunAt(); last != nil && now.Sub(*last) < interval {
		next := last.Add(interval)
		state.SetNextRunAt(&next)
		return s.skip(SkipInterval)
	}
	if state.InProgress() {
		return s.skip(SkipInProgress)
	}

	runCtx := appctx.SetTriggeredBy(context.WithoutCancel(ctx), models.SyncTriggeredScheduler)
	runCtx = appctx.SetCorrelationId(runCtx, uuid.NewString())
	result, err := s.svc.RunIncrementalSync(runCtx)
	if errors.Is(err, sheetsync.ErrSyncInProgress) {
		return s.skip(SkipInProgress)
	}
	if err != nil {
		fields := logrus.Fields{"field": "SyncScheduler"}
		if result != nil {
			fields["run_id"] = result.RunId
		}
		s.logger.WithFields(fields).Warn("scheduled incremental sync failed: " + err.Error())
	}
	next := s.now().Add(interval)
	state.SetNextRunAt(&next)

	s.mu.Lock()
	s.lastSkip = ""
	s.mu.Unlock()
	return true, ""
}

func (s *SyncScheduler) skip(reason string) (bool, string) {
	s.mu.Lock()
	s.lastSkip = reason
	s.mu.Unlock()
	return false, reason
}

// ActiveWindow is a daily [Start, End) range in minutes after midnight.
// End before Start wraps midnight; equal bounds mean all day.
type ActiveWindow struct {
	Start int
	End   int
}

func ParseActiveWindow(start, end string) (ActiveWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return ActiveWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return ActiveWindow{}, err
	}
	return ActiveWindow{Start: s, End: e}, nil
}

func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", v)
	}
	return h*60 + m, nil
}

// Contains reports whether t's wall clock falls inside the window.
func (w ActiveWindow) Contains(t time.Time) bool {
	if w.Start == w.End {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// NextOpening is the first window start strictly after t, in t's location.
func (w ActiveWindow) NextOpening(t time.Time) time.Time {
	y, mo, d := t.Date()
	candidate := time.Date(y, mo, d, w.Start/60, w.Start%60, 0, 0, t.Location())
	if !candidate.After(t) {
		candidate = time.Date(y, mo, d+1, w.Start/60, w.Start%60, 0, 0, t.Location())
	}
	return candidate
}
