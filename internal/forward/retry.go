package forward

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type retryTask struct {
	at   time.Time
	run  func(ctx context.Context)
	heap int
}

type taskHeap []*retryTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heap = i; h[j].heap = j }
func (h *taskHeap) Push(x any)         { t := x.(*retryTask); t.heap = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any           { old := *h; n := len(old); t := old[n-1]; *h = old[:n-1]; return t }

// Scheduler runs deferred delivery attempts from a time-ordered heap on a
// single goroutine. Tasks fire in their own goroutines so a slow retry
// never delays the next one.
type Scheduler struct {
	mu    sync.Mutex
	tasks taskHeap
	wake  chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Schedule queues fn to run no earlier than at.
func (s *Scheduler) Schedule(at time.Time, fn func(ctx context.Context)) {
	s.mu.Lock()
	heap.Push(&s.tasks, &retryTask{at: at, run: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the queued task count.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run dispatches due tasks until ctx is cancelled. Undispatched tasks are
// dropped on shutdown; interrupted deliveries surface as failed edges on
// the next restart's rescan, not here.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.tasks) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.tasks[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.runDue(ctx)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	var due []*retryTask
	s.mu.Lock()
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		due = append(due, heap.Pop(&s.tasks).(*retryTask))
	}
	s.mu.Unlock()
	for _, t := range due {
		go t.run(ctx)
	}
}
