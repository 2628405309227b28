package sheetsync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// EventPublisher sends a run-completed message.
type EventPublisher func(ctx context.Context, msg config.SyncRunMessage) error

// BackupUploader stores an exported backup workbook and returns its location.
type BackupUploader func(ctx context.Context, objectName string, data []byte) (string, error)

// RunLocker serializes runs across instances. Acquire returns ErrSyncInProgress
// when another instance holds the lock.
type RunLocker interface {
	Acquire(ctx context.Context, kind string) (release func(), err error)
}

// Service owns the run state. Every trigger in the process goes through one Service.
type Service struct {
	db       *gorm.DB
	client   TableClient
	settings config.SheetSettings
	state    *RunState
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	publish      EventPublisher
	uploadBackup BackupUploader
	locker       RunLocker

	MaxQuotaAttempts int
	QuotaBackoff     time.Duration
	QuotaBackoffCap  time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publish = p }
}

func WithBackupUploader(u BackupUploader) Option {
	return func(s *Service) { s.uploadBackup = u }
}

func WithRunLocker(l RunLocker) Option {
	return func(s *Service) { s.locker = l }
}

func WithRunState(state *RunState) Option {
	return func(s *Service) { s.state = state }
}

func NewService(db *gorm.DB, client TableClient, settings config.SheetSettings, opts ...Option) *Service {
	s := &Service{
		db:               db,
		client:           client,
		settings:         settings,
		state:            NewRunState(),
		logger:           config.GetLogger(),
		tracer:           otel.Tracer("sheetsync"),
		now:              func() time.Time { return time.Now().UTC() },
		sleep:            sleepContext,
		MaxQuotaAttempts: 3,
		QuotaBackoff:     15 * time.Second,
		QuotaBackoffCap:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.ItemHeaders == (config.ItemHeaders{}) {
		s.settings.ItemHeaders = config.DefaultItemHeaders()
	}
	if s.settings.BudgetHeaders == (config.BudgetHeaders{}) {
		s.settings.BudgetHeaders = config.DefaultBudgetHeaders()
	}
	if s.settings.Range == "" {
		s.settings.Range = "A1:Z"
	}
	return s
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) State() *RunState { return s.state }

// GetSyncState reports the current run, if any, and the last result.
func (s *Service) GetSyncState() SyncState {
	return s.state.Snapshot()
}

// begin claims the in-process run flag and, when configured, the cross-instance lock.
// A lock backend failure is logged and the run proceeds on the local flag alone.
func (s *Service) begin(ctx context.Context, kind string) (func(), bool) {
	if !s.state.TryBegin(kind) {
		return nil, false
	}
	if s.locker == nil {
		return func() {}, true
	}
	release, err := s.locker.Acquire(ctx, kind)
	if errors.Is(err, ErrSyncInProgress) {
		s.state.Release()
		return nil, false
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"field": "SheetSyncLock",
			"kind":  kind,
		}).Warn("error obtaining sync lock; proceeding without it: " + err.Error())
		return func() {}, true
	}
	return release, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) location(tz string) *time.Location {
	if tz == "" {
		tz = s.settings.DefaultTimeZone
	}
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) readItems(ctx context.Context, loc *time.Location) (*Table, []RemoteItem, error) {
	t, err := s.client.ReadTable(ctx, s.settings.SpreadsheetId, s.settings.Range, s.settings.ItemsTable)
	if err != nil {
		return nil, nil, err
	}
	rows, err := DecodeItems(t, s.settings.ItemHeaders, loc)
	if err != nil {
		return nil, nil, err
	}
	return t, rows, nil
}

func (s *Service) readBudgets(ctx context.Context, loc *time.Location) (*Table, []RemoteBudget, error) {
	t, err := s.client.ReadTable(ctx, s.settings.SpreadsheetId, s.settings.Range, s.settings.BudgetsTable)
	if err != nil {
		return nil, nil, err
	}
	rows, err := DecodeBudgets(t, s.settings.BudgetHeaders, loc)
	if err != nil {
		return nil, nil, err
	}
	return t, rows, nil
}
