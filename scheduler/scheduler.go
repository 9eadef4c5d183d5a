// Package scheduler turns accepted triggers into builds and decides
// when each one runs. Builds of the same job never overlap; distinct
// jobs run concurrently up to a global cap. The scheduler is also the
// single place terminal builds are handed to the notifier, so every
// build produces exactly one notification, cancelled ones included.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/notify"
	"github.com/run-ci/convey/store"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "scheduler",
	})
}

// DefaultMaxBuilds caps concurrently running builds when the server
// doesn't configure its own limit.
const DefaultMaxBuilds = 4

// Executor runs one admitted build to a terminal state.
type Executor interface {
	Run(ctx context.Context, b *store.Build, job config.Job)
}

// Scheduler owns the job queues. One goroutine per job drains its
// queue in order; a global semaphore bounds how many builds run at
// once across all jobs.
type Scheduler struct {
	cfg  config.Config
	st   store.BuildStore
	ex   Executor
	sink notify.Sink

	nextID uint64
	sem    chan struct{}
	queues map[string]*jobQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type jobQueue struct {
	job config.Job

	mu      sync.Mutex
	pending []*store.Build

	wake chan struct{}
}

// New returns a running Scheduler for the loaded jobs. The build ID
// counter picks up after the highest ID already in the store, so IDs
// stay strictly increasing across restarts.
func New(cfg config.Config, st store.BuildStore, ex Executor, sink notify.Sink, maxBuilds int) (*Scheduler, error) {
	last, err := st.LastBuildID()
	if err != nil {
		logger.WithError(err).Debug("unable to read last build id")
		return nil, err
	}

	if maxBuilds <= 0 {
		maxBuilds = DefaultMaxBuilds
	}

	s := &Scheduler{
		cfg:    cfg,
		st:     st,
		ex:     ex,
		sink:   sink,
		nextID: last,
		sem:    make(chan struct{}, maxBuilds),
		queues: map[string]*jobQueue{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, job := range cfg.Jobs {
		q := &jobQueue{
			job:  job,
			wake: make(chan struct{}, 1),
		}
		s.queues[job.Name] = q

		s.wg.Add(1)
		go s.runQueue(q)
	}

	logger.WithFields(log.Fields{
		"jobs":       len(cfg.Jobs),
		"max_builds": maxBuilds,
		"last_build": last,
	}).Info("scheduler started")

	return s, nil
}

// Stop shuts the queues down and waits for running builds to finish.
// Builds still queued stay queued in the store.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit routes a trigger to its job's queue. Triggers that match no
// job are dropped, and redeliveries inside the dedup window coalesce
// into the build their tuple already has. Submit is safe to call from
// concurrent hook deliveries.
func (s *Scheduler) Submit(ev store.TriggerEvent) {
	logger := logger.WithFields(log.Fields{
		"repo": ev.Repo,
		"ref":  ev.Ref,
		"sha":  ev.SHA,
	})

	job, ok := s.cfg.Match(ev.Repo, ev.Ref)
	if !ok {
		logger.Info("no job matches, dropping trigger")
		return
	}

	logger = logger.WithField("job", job.Name)

	if ev.Duplicate {
		logger.Info("duplicate delivery, coalescing")
		return
	}

	b := &store.Build{
		ID:      atomic.AddUint64(&s.nextID, 1),
		Job:     job.Name,
		Trigger: ev,
		State:   store.BuildQueued,
	}

	if err := s.st.CreateBuild(b); err != nil {
		logger.WithError(err).Error("unable to create build")
		return
	}

	logger = logger.WithField("build", b.ID)

	q := s.queues[job.Name]

	var superseded []*store.Build
	q.mu.Lock()
	if job.Policy == config.PolicyLatestWins {
		superseded = q.pending
		q.pending = nil
	}
	q.pending = append(q.pending, b)
	q.mu.Unlock()

	for _, old := range superseded {
		s.supersede(old, b.ID)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}

	logger.Info("build queued")
}

// supersede cancels a queued build that a newer trigger replaced. The
// build goes terminal without ever starting, and gets its notification
// like any other terminal build.
func (s *Scheduler) supersede(b *store.Build, byID uint64) {
	logger.WithFields(log.Fields{
		"job":   b.Job,
		"build": b.ID,
		"by":    byID,
	}).Info("queued build superseded")

	b.State = store.BuildCancelled
	b.SetFinished()

	if err := s.st.UpdateBuild(b); err != nil {
		logger.WithError(err).WithField("build", b.ID).
			Error("unable to persist cancelled build")
	}

	s.deliver(b)
}

func (s *Scheduler) runQueue(q *jobQueue) {
	defer s.wg.Done()

	for {
		b := q.next()
		if b == nil {
			select {
			case <-q.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		s.ex.Run(s.ctx, b, q.job)
		<-s.sem

		s.deliver(b)
	}
}

func (q *jobQueue) next() *store.Build {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	b := q.pending[0]
	q.pending = q.pending[1:]
	return b
}

// deliver hands a terminal build to the notifier. Delivery gets its
// own deadline, detached from the scheduler's context, so builds that
// finish during shutdown still notify.
func (s *Scheduler) deliver(b *store.Build) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.sink.Notify(ctx, notify.New(*b)); err != nil {
		logger.WithError(err).WithField("build", b.ID).
			Error("unable to deliver notification")
	}
}
