// Package scheduler arms the cool-down timer that returns a dispatched
// proxy to its source pool after its usage interval elapses.
//
// The original implementation scheduled returns with ad-hoc
// call_later-style closures captured per dispatch. Here a single
// min-heap-backed scheduler is constructed once and threaded through the
// broker (no package-level mutable state), with one dedicated worker
// goroutine draining due tasks.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EPguitars/proxycare/internal/model"
	sentryreport "github.com/EPguitars/proxycare/internal/sentry"
)

// ReturnFunc is invoked at most once per scheduled task: never for a task
// that was canceled or still pending at Stop. Every call is made from the
// scheduler's single worker goroutine, one at a time.
type ReturnFunc func(sourceID int, rec model.ProxyRecord)

type task struct {
	fireAt   time.Time
	sourceID int
	rec      model.ProxyRecord
	seq      uint64
	canceled bool
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Handle cancels a previously scheduled return, e.g. when a session
// restores a popped-but-undispatched record and the cool-down should never
// have been armed in the first place. Canceling after it has already fired
// is a no-op.
type Handle struct {
	s   *Scheduler
	t   *task
}

// Cancel prevents the scheduled return from firing, if it hasn't already.
func (h Handle) Cancel() {
	if h.s == nil || h.t == nil {
		return
	}
	h.s.cancel(h.t)
}

// Scheduler owns every pending cool-down timer. Construct one and thread it
// through the components that need it; there is no global instance.
type Scheduler struct {
	mu       sync.Mutex
	heap     taskHeap
	wake     chan struct{}
	onReturn ReturnFunc
	log      *slog.Logger
	nextSeq  uint64

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Scheduler. onReturn is called once per fired task with
// the proxy record to push back into its source pool.
func New(onReturn ReturnFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		wake:     make(chan struct{}, 1),
		onReturn: onReturn,
		log:      log.With(slog.String("component", "scheduler")),
		stop:     make(chan struct{}),
	}
}

// Start launches the dedicated worker goroutine that drains due tasks.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels every pending task (they will never fire) and waits for the
// worker goroutine to exit. Cool-down timers do not survive a broker
// shutdown: pools are rebuilt from the cache/store on the next start, so
// there is nothing useful a stale in-flight timer could do.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// ScheduleReturn arms a fire-once timer that calls onReturn(sourceID, rec)
// after interval elapses. The timer is armed at dispatch time, not at
// report-acknowledgement time: a client that never reports still gets its
// proxy returned on schedule.
func (s *Scheduler) ScheduleReturn(rec model.ProxyRecord, sourceID int, interval time.Duration) Handle {
	s.mu.Lock()
	s.nextSeq++
	t := &task{
		fireAt:   time.Now().Add(interval),
		sourceID: sourceID,
		rec:      rec,
		seq:      s.nextSeq,
	}
	heap.Push(&s.heap, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return Handle{s: s, t: t}
}

func (s *Scheduler) cancel(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.canceled = true
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			s.drainDue()
		case <-s.wake:
			// loop around and recompute the wait for the newly armed task
		}
	}
}

func (s *Scheduler) drainDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.heap).(*task)
		s.mu.Unlock()

		if t.canceled {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduled return callback", slog.Any("recover", r))
					sentryreport.CaptureException("scheduler", fmt.Errorf("panic in scheduled return callback: %v", r))
				}
			}()
			s.onReturn(t.sourceID, t.rec)
		}()
	}
}
