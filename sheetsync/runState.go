package sheetsync

import (
	"sync"
	"time"
)

type SyncStep string

const (
	StepIdle                 SyncStep = "idle"
	StepLoadingLocalChanges  SyncStep = "loading_local_changes"
	StepLoadingRemoteChanges SyncStep = "loading_remote_changes"
	StepMatching             SyncStep = "matching"
	StepMerging              SyncStep = "merging"
	StepConsistencyCheck     SyncStep = "consistency_check"
	StepCommitted            SyncStep = "committed"
	StepRolledBack           SyncStep = "rolled_back"

	StepPreflight  SyncStep = "preflight"
	StepBackup     SyncStep = "backup"
	StepLoading    SyncStep = "loading"
	StepValidating SyncStep = "validating"
	StepMutating   SyncStep = "mutating"
	StepIntegrity  SyncStep = "integrity"
)

// RunSummary is the last finished run as kept in memory.
type RunSummary struct {
	RunId      string    `json:"runId"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	ErrorCount int       `json:"errorCount"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// SyncState is a point-in-time copy of RunState.
type SyncState struct {
	InProgress  bool        `json:"inProgress"`
	Kind        string      `json:"kind,omitempty"`
	CurrentStep SyncStep    `json:"currentStep"`
	Progress    int         `json:"progress"`
	LastRunAt   *time.Time  `json:"lastRunAt"`
	NextRunAt   *time.Time  `json:"nextRunAt"`
	LastResult  *RunSummary `json:"lastResult"`
}

// RunState is the process-wide run flag shared by every trigger.
type RunState struct {
	mu          sync.RWMutex
	inProgress  bool
	kind        string
	currentStep SyncStep
	progress    int
	lastRunAt   *time.Time
	nextRunAt   *time.Time
	lastResult  *RunSummary
}

func NewRunState() *RunState {
	return &RunState{currentStep: StepIdle}
}

// TryBegin claims the run flag; false means another run holds it.
func (s *RunState) TryBegin(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return false
	}
	s.inProgress = true
	s.kind = kind
	s.currentStep = StepIdle
	s.progress = 0
	return true
}

func (s *RunState) SetStep(step SyncStep, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = step
	s.progress = max(0, min(progress, 100))
}

// Finish releases the flag and records the run.
func (s *RunState) Finish(summary RunSummary, finalStep SyncStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started := summary.StartedAt
	s.lastRunAt = &started
	s.lastResult = &summary
	s.inProgress = false
	s.kind = ""
	s.currentStep = finalStep
	s.progress = 100
}

// Release drops the flag without recording a run.
func (s *RunState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = false
	s.kind = ""
	s.currentStep = StepIdle
	s.progress = 0
}

func (s *RunState) SetNextRunAt(t *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		s.nextRunAt = nil
		return
	}
	v := *t
	s.nextRunAt = &v
}

func (s *RunState) InProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inProgress
}

func (s *RunState) LastRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRunAt == nil {
		return nil
	}
	v := *s.lastRunAt
	return &v
}

func (s *RunState) Snapshot() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := SyncState{
		InProgress:  s.inProgress,
		Kind:        s.kind,
		CurrentStep: s.currentStep,
		Progress:    s.progress,
	}
	if s.lastRunAt != nil {
		v := *s.lastRunAt
		out.LastRunAt = &v
	}
	if s.nextRunAt != nil {
		v := *s.nextRunAt
		out.NextRunAt = &v
	}
	if s.lastResult != nil {
		v := *s.lastResult
		out.LastResult = &v
	}
	return out
}
