package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestWorkStealingScheduler_ExactlyOnce runs more jobs than workers and
// verifies every job executes exactly once.
func TestWorkStealingScheduler_ExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		jobs    int
		workers int
	}{
		{"single worker", 20, 1},
		{"more jobs than workers", 200, 4},
		{"fewer jobs than workers", 3, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{})
			counts := make([]atomic.Int32, tt.jobs)
			for i := 0; i < tt.jobs; i++ {
				s.Submit(&Job{
					ID: fmt.Sprintf("job-%d", i),
					Run: func(ctx context.Context, worker int) {
						counts[i].Add(1)
					},
				})
			}

			if err := s.Run(context.Background(), tt.workers); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			for i := range counts {
				if n := counts[i].Load(); n != 1 {
					t.Errorf("job-%d ran %d times, want 1", i, n)
				}
			}

			var total int64
			for _, n := range s.Stats().Executed {
				total += n
			}
			if total != int64(tt.jobs) {
				t.Errorf("Stats().Executed total = %d, want %d", total, tt.jobs)
			}
		})
	}
}

// TestWorkStealingScheduler_LocalSuccessors checks that Run waits for jobs
// submitted by running jobs.
func TestWorkStealingScheduler_LocalSuccessors(t *testing.T) {
	s := New(Config{})
	var ran atomic.Int32

	var chain func(depth int) *Job
	chain = func(depth int) *Job {
		return &Job{
			ID: fmt.Sprintf("depth-%d", depth),
			Run: func(ctx context.Context, worker int) {
				ran.Add(1)
				if depth < 10 {
					s.SubmitLocal(worker, chain(depth+1))
					s.SubmitLocal(worker, &Job{ID: "leaf", Run: func(context.Context, int) { ran.Add(1) }})
				}
			},
		}
	}
	s.Submit(chain(0))

	if err := s.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 11 chain links plus one leaf per non-final link.
	if got := ran.Load(); got != 21 {
		t.Errorf("ran %d jobs, want 21", got)
	}
	if q := s.Queued(); q != 0 {
		t.Errorf("Queued() = %d after Run, want 0", q)
	}
}

// TestWorkStealingScheduler_IdleWorkersSteal loads a single worker's deque
// and verifies peers take work from it.
func TestWorkStealingScheduler_IdleWorkersSteal(t *testing.T) {
	s := New(Config{})
	var mu sync.Mutex
	workersSeen := make(map[int]bool)

	s.Submit(&Job{
		ID: "fan-out",
		Run: func(ctx context.Context, worker int) {
			for i := 0; i < 64; i++ {
				s.SubmitLocal(worker, &Job{
					ID: fmt.Sprintf("child-%d", i),
					Run: func(ctx context.Context, w int) {
						mu.Lock()
						workersSeen[w] = true
						mu.Unlock()
						time.Sleep(time.Millisecond)
					},
				})
			}
		},
	})

	if err := s.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats := s.Stats()
	if stats.Steals == 0 {
		t.Error("expected idle workers to steal")
	}
	if len(workersSeen) < 2 {
		t.Errorf("children ran on %d workers, want at least 2", len(workersSeen))
	}
}

// TestWorkStealingScheduler_PromotesAfterMaxSteals exercises the overflow
// path directly.
func TestWorkStealingScheduler_PromotesAfterMaxSteals(t *testing.T) {
	s := New(Config{MaxSteals: 1})
	s.deques = []*deque{{}, {}}
	s.deques[1].pushTail(
		&Job{ID: "a", steals: 1},
		&Job{ID: "b", steals: 1},
	)

	job := s.next(0)
	if job == nil {
		t.Fatal("next() returned nil")
	}
	// The thief takes b from the tail; past MaxSteals it goes to the
	// overflow queue and is then taken back from there.
	if job.ID != "b" {
		t.Errorf("next() = %s, want b from overflow", job.ID)
	}
	if s.promotions.Load() != 1 {
		t.Errorf("promotions = %d, want 1", s.promotions.Load())
	}

	// A fresh job is stolen without promotion.
	s.deques[1].pushTail(&Job{ID: "c"})
	if job := s.next(0); job == nil || job.ID != "c" {
		t.Fatalf("next() = %v, want c", job)
	}
	if s.promotions.Load() != 1 {
		t.Errorf("promotions = %d, want 1", s.promotions.Load())
	}
}

// TestWorkStealingScheduler_OverflowBeforeSteal checks the lookup order.
func TestWorkStealingScheduler_OverflowBeforeSteal(t *testing.T) {
	s := New(Config{})
	s.deques = []*deque{{}, {}}
	s.deques[1].pushTail(&Job{ID: "peer"})
	s.overflow.pushTail(&Job{ID: "overflow"})
	s.deques[0].pushTail(&Job{ID: "own"})

	for _, want := range []string{"own", "overflow", "peer"} {
		job := s.next(0)
		if job == nil || job.ID != want {
			t.Fatalf("next() = %v, want %s", job, want)
		}
	}
	if job := s.next(0); job != nil {
		t.Errorf("next() = %s, want nil", job.ID)
	}
}

func TestWorkStealingScheduler_RecoversPanics(t *testing.T) {
	s := New(Config{})
	var ran atomic.Int32

	s.Submit(&Job{ID: "bad", Run: func(context.Context, int) { panic("boom") }})
	for i := 0; i < 5; i++ {
		s.Submit(&Job{ID: "good", Run: func(context.Context, int) { ran.Add(1) }})
	}

	if err := s.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ran.Load() != 5 {
		t.Errorf("ran %d good jobs, want 5", ran.Load())
	}
	if s.Stats().Panics != 1 {
		t.Errorf("Panics = %d, want 1", s.Stats().Panics)
	}
}

func TestWorkStealingScheduler_ContextCancelled(t *testing.T) {
	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	s.Submit(&Job{ID: "blocker", Run: func(context.Context, int) {
		cancel()
		<-release
	}})
	for i := 0; i < 10; i++ {
		s.Submit(&Job{ID: "queued", Run: func(context.Context, int) { <-release }})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, 1) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if q := s.Queued(); q != 0 {
		t.Errorf("Queued() = %d after cancelled Run, want 0", q)
	}
}

func TestWorkStealingScheduler_EmptyRun(t *testing.T) {
	s := New(Config{})
	if err := s.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run() with no jobs error = %v", err)
	}
}
