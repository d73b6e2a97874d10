package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of work for the WorkStealingScheduler. Run receives the
// index of the worker executing it, so it can hand successors to that
// worker with SubmitLocal.
type Job struct {
	ID  string
	Run func(ctx context.Context, worker int)

	steals int
}

// Config configures a WorkStealingScheduler.
type Config struct {
	MaxSteals int           // Steals before a job moves to the overflow queue (default 3)
	IdleWait  time.Duration // Max sleep of an idle worker between scans (default 2ms)
	Logger    *slog.Logger
}

// Stats summarizes scheduler activity since the last Run started.
type Stats struct {
	Executed   []int64 // Jobs executed, per worker
	Steals     int64   // Successful steal operations
	Promotions int64   // Jobs moved to the overflow queue
	Panics     int64
}

// ErrAlreadyRunning is returned when Run is called on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// WorkStealingScheduler runs jobs on a fixed pool of workers, each with its
// own deque. Idle workers drain the shared overflow queue, then steal from a
// random peer.
type WorkStealingScheduler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex // Guards deques, pending and running
	deques   []*deque
	pending  []*Job // Submitted before Run
	running  bool
	overflow deque

	outstanding atomic.Int64
	wake        chan struct{}
	done        chan struct{}
	doneOnce    *sync.Once

	executed   []atomic.Int64
	steals     atomic.Int64
	promotions atomic.Int64
	panics     atomic.Int64
}

// New creates a scheduler.
func New(cfg Config) *WorkStealingScheduler {
	if cfg.MaxSteals <= 0 {
		cfg.MaxSteals = 3
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 2 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkStealingScheduler{cfg: cfg, logger: logger}
}

// Submit enqueues a job. Before Run, jobs are spread across the workers when
// the pool starts; during Run they land in the shared overflow queue.
func (s *WorkStealingScheduler) Submit(job *Job) {
	s.outstanding.Add(1)

	s.mu.Lock()
	if !s.running {
		s.pending = append(s.pending, job)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.overflow.pushTail(job)
	s.notify()
}

// SubmitLocal pushes a job to the tail of worker's deque. Jobs use it to
// enqueue work they made ready. An out-of-range worker falls back to Submit.
func (s *WorkStealingScheduler) SubmitLocal(worker int, job *Job) {
	s.mu.Lock()
	if !s.running || worker < 0 || worker >= len(s.deques) {
		s.mu.Unlock()
		s.Submit(job)
		return
	}
	d := s.deques[worker]
	s.mu.Unlock()

	s.outstanding.Add(1)
	d.pushTail(job)
	s.notify()
}

func (s *WorkStealingScheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts workers and blocks until every submitted job, including those
// submitted by running jobs, has finished, or ctx is done. Jobs still queued
// when ctx is done are dropped.
func (s *WorkStealingScheduler) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.deques = make([]*deque, workers)
	for i := range s.deques {
		s.deques[i] = &deque{}
	}
	for i, job := range s.pending {
		s.deques[i%workers].pushTail(job)
	}
	s.pending = nil
	s.wake = make(chan struct{}, workers)
	s.done = make(chan struct{})
	s.doneOnce = &sync.Once{}
	s.executed = make([]atomic.Int64, workers)
	s.steals.Store(0)
	s.promotions.Store(0)
	s.panics.Store(0)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		for _, d := range s.deques {
			s.drop(d.drain())
		}
		s.drop(s.overflow.drain())
		s.mu.Unlock()
	}()

	if s.outstanding.Load() == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return s.work(gctx, w)
		})
	}
	return g.Wait()
}

func (s *WorkStealingScheduler) drop(jobs []*Job) {
	for _, j := range jobs {
		s.logger.Warn("dropping unscheduled job", "job", j.ID)
		s.outstanding.Add(-1)
	}
}

func (s *WorkStealingScheduler) work(ctx context.Context, w int) error {
	timer := time.NewTimer(s.cfg.IdleWait)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if job := s.next(w); job != nil {
			s.execute(ctx, w, job)
			continue
		}

		timer.Reset(s.cfg.IdleWait)
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// next picks the worker's next job: own head, then overflow, then a steal.
func (s *WorkStealingScheduler) next(w int) *Job {
	own := s.deques[w]
	if job := own.popHead(); job != nil {
		return job
	}
	if job := s.overflow.popHead(); job != nil {
		return job
	}

	n := len(s.deques)
	if n < 2 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == w {
			continue
		}
		stolen := s.deques[victim].stealHalf()
		if len(stolen) == 0 {
			continue
		}
		s.steals.Add(1)

		keep := stolen[:0]
		for _, job := range stolen {
			job.steals++
			if job.steals > s.cfg.MaxSteals {
				s.promotions.Add(1)
				s.overflow.pushTail(job)
				continue
			}
			keep = append(keep, job)
		}
		if len(keep) == 0 {
			return s.overflow.popHead()
		}
		own.pushTail(keep[1:]...)
		return keep[0]
	}
	return nil
}

func (s *WorkStealingScheduler) execute(ctx context.Context, w int, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("job panicked",
				"job", job.ID,
				"worker", w,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
		s.executed[w].Add(1)
		if s.outstanding.Add(-1) == 0 {
			s.doneOnce.Do(func() { close(s.done) })
		}
	}()

	job.Run(ctx, w)
}

// Stats returns a snapshot of scheduler counters.
func (s *WorkStealingScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Executed:   make([]int64, len(s.executed)),
		Steals:     s.steals.Load(),
		Promotions: s.promotions.Load(),
		Panics:     s.panics.Load(),
	}
	for i := range s.executed {
		st.Executed[i] = s.executed[i].Load()
	}
	return st
}

// Queued returns the number of jobs waiting in deques and the overflow queue.
func (s *WorkStealingScheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending) + s.overflow.len()
	for _, d := range s.deques {
		n += d.len()
	}
	return n
}
