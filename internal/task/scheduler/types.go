package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrNameEmpty  = errors.New("scheduler: name required")
)

// Config controls the trigger service.
type Config struct {
	Location       *time.Location // nil means time.Local
	DefaultTimeout time.Duration  // 0 means no timeout
}

// JobFunc is one invocation of a job. Returned errors are logged; the job is
// not retried and waits for its next trigger.
type JobFunc func(ctx context.Context) error

type State int

const (
	StateRegistered State = iota
	StateScheduled
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	default:
		return "unknown"
	}
}

// jobDef is a registered job. The pointer stays stable for the lifetime of the
// name, so the cron closure and an in-flight run always see the same state.
type jobDef struct {
	name string
	once bool

	mu      sync.Mutex
	spec    string    // cron jobs
	at      time.Time // one-shot jobs
	timeout time.Duration
	job     JobFunc
	entryID cron.EntryID
	timer   *time.Timer

	state    State
	removed  bool
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
	lastID   string
	runs     uint64
	skips    uint64
	fails    uint64
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name    string
	Spec    string
	Once    bool
	At      time.Time
	State   State
	Next    time.Time
	Prev    time.Time
	Timeout time.Duration

	LastRunID    string
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
	Runs         uint64
	Skips        uint64
	Failures     uint64
}

type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobInfo
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	RunID    string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}
