package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EPguitars/proxycare/internal/model"
)

func TestScheduleReturnFiresAfterInterval(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []int

	s := New(func(sourceID int, rec model.ProxyRecord) {
		mu.Lock()
		got = append(got, rec.ID)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.ScheduleReturn(model.ProxyRecord{ID: 42}, 1, 20*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for scheduled return to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != 42 {
		t.Fatalf("expected record id 42, got %d", got[0])
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := false

	s := New(func(sourceID int, rec model.ProxyRecord) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	h := s.ScheduleReturn(model.ProxyRecord{ID: 1}, 1, 20*time.Millisecond)
	h.Cancel()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatalf("expected canceled task not to fire")
	}
}

func TestFiresInOrderOfDeadline(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []int

	s := New(func(sourceID int, rec model.ProxyRecord) {
		mu.Lock()
		order = append(order, rec.ID)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.ScheduleReturn(model.ProxyRecord{ID: 2}, 1, 60*time.Millisecond)
	s.ScheduleReturn(model.ProxyRecord{ID: 1}, 1, 20*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both tasks to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected fire order [1 2], got %v", order)
	}
}
