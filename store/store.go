package store

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

var (
	// ErrBuildNotFound is returned when a build isn't in the store.
	ErrBuildNotFound = errors.New("build not found")
	// ErrBuildExists is returned when a build with the same ID was
	// already created. Build IDs are never reused.
	ErrBuildExists = errors.New("build already exists")
)

func init() {
	logger = log.WithFields(log.Fields{
		"package": "store",
	})
}

// BuildState is the lifecycle state of a build. A build starts queued,
// moves to running when the scheduler admits it, and ends in exactly
// one terminal state.
type BuildState string

// The build states. Failed means a stage command exited non-passing;
// errored means an infrastructure precondition (checkout, secret
// resolution) kept the stages from being evaluated at all; cancelled
// means a queued build was superseded before it started.
const (
	BuildQueued    BuildState = "queued"
	BuildRunning   BuildState = "running"
	BuildSucceeded BuildState = "succeeded"
	BuildFailed    BuildState = "failed"
	BuildErrored   BuildState = "errored"
	BuildCancelled BuildState = "cancelled"
)

// Terminal reports whether the state is final. Terminal builds are
// immutable history; retrying means a new trigger and a new build.
func (s BuildState) Terminal() bool {
	switch s {
	case BuildSucceeded, BuildFailed, BuildErrored, BuildCancelled:
		return true
	}

	return false
}

// StageStatus is the outcome of a single stage.
type StageStatus string

// Stage outcomes. A stage that never ran because an earlier stage
// didn't pass is recorded skipped, so a build's results always read as
// an ordered, truncated execution trace.
const (
	StagePassed  StageStatus = "passed"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// TriggerEvent is a normalized push notification. The receiver builds
// exactly one per accepted delivery; it's immutable from then on.
type TriggerEvent struct {
	Repo       string    `json:"repository"`
	Ref        string    `json:"ref"`
	SHA        string    `json:"commit_sha"`
	Delivery   string    `json:"delivery,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// Duplicate marks a redelivery of a tuple already seen inside
	// the deduplication window. The scheduler coalesces these
	// instead of starting a redundant build.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Tuple is the deduplication key for the event.
func (ev TriggerEvent) Tuple() string {
	return ev.Repo + "\x00" + ev.Ref + "\x00" + ev.SHA
}

// Build is one execution attempt of a job against a specific commit.
// It's owned exclusively by the executor while running and becomes
// immutable history once terminal.
type Build struct {
	ID      uint64       `json:"id"`
	Job     string       `json:"job"`
	Trigger TriggerEvent `json:"trigger"`

	State BuildState `json:"state"`

	// Error carries the infrastructure failure detail when the build
	// errored before any stage could be evaluated.
	Error string `json:"error,omitempty"`

	StageResults []StageResult `json:"stage_results"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// SetStarted stamps the start time.
func (b *Build) SetStarted() {
	t := time.Now()
	b.StartedAt = &t
}

// SetFinished stamps the finish time.
func (b *Build) SetFinished() {
	t := time.Now()
	b.FinishedAt = &t
}

// Duration is the wall-clock time between start and finish, zero for
// builds that never ran.
func (b *Build) Duration() time.Duration {
	if b.StartedAt == nil || b.FinishedAt == nil {
		return 0
	}

	return b.FinishedAt.Sub(*b.StartedAt)
}

// StageResult is one stage's outcome. Results are appended in stage
// declaration order and never reordered or mutated afterwards.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	ExitDetail string      `json:"exit_detail,omitempty"`

	// LogsRef points at the captured output of the stage, when the
	// stage produced any.
	LogsRef string `json:"logs_ref,omitempty"`

	Duration time.Duration `json:"duration"`

	// Transfers holds the per-target outcomes of a deploy stage.
	// Partial deployment is a recorded, visible condition.
	Transfers []TransferResult `json:"transfers,omitempty"`
}

// TransferResult is the outcome of deploying to one target. File
// transfer and the post command are tracked as two independent
// outcomes so notifications can say precisely which half failed.
type TransferResult struct {
	Target      string `json:"target"`
	Transferred bool   `json:"transferred"`

	// PostCommandOK is vacuously true when the target configures no
	// post command.
	PostCommandOK bool `json:"post_command_ok"`

	Files    int           `json:"files"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether both halves of the deployment succeeded.
func (tr TransferResult) OK() bool {
	return tr.Transferred && tr.PostCommandOK
}

// BuildStore is everything the engine needs from build history storage.
// Consumers should depend on the subset of this interface they actually
// use so implementations can be swapped out.
type BuildStore interface {
	// CreateBuild saves a freshly admitted build. The ID is assigned
	// by the scheduler, not the store.
	CreateBuild(*Build) error
	// UpdateBuild persists state transitions and appended stage
	// results. Stage results are append-only; implementations never
	// rewrite rows already stored.
	UpdateBuild(*Build) error
	// GetBuild returns the build with the given ID, stage results
	// included. Returns ErrBuildNotFound when there is none.
	GetBuild(id uint64) (Build, error)
	// GetBuilds returns up to limit of the newest builds, filtered
	// to one job when job is non-empty. These are previews: no
	// stage results attached.
	GetBuilds(job string, limit int) ([]Build, error)
	// LastBuildID returns the highest build ID ever stored, zero
	// when the store is empty. The scheduler seeds its counter from
	// this so IDs stay strictly increasing across restarts.
	LastBuildID() (uint64, error)
}
