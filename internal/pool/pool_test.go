package pool

import (
	"testing"

	"github.com/EPguitars/proxycare/internal/model"
)

func TestPoolFIFOOrder(t *testing.T) {
	t.Parallel()

	p := newPool()
	p.Push(model.ProxyRecord{ID: 1})
	p.Push(model.ProxyRecord{ID: 2})
	p.Push(model.ProxyRecord{ID: 3})

	for _, want := range []int{1, 2, 3} {
		rec, ok := p.Pop()
		if !ok {
			t.Fatalf("expected a record, pool empty")
		}
		if rec.ID != want {
			t.Fatalf("expected id %d, got %d", want, rec.ID)
		}
	}

	if _, ok := p.Pop(); ok {
		t.Fatalf("expected pool to be empty")
	}
}

func TestPoolPushFrontRestoresAheadOfQueue(t *testing.T) {
	t.Parallel()

	p := newPool()
	p.Push(model.ProxyRecord{ID: 1})
	p.Push(model.ProxyRecord{ID: 2})

	popped, ok := p.Pop()
	if !ok || popped.ID != 1 {
		t.Fatalf("expected to pop id 1, got %+v ok=%v", popped, ok)
	}

	p.PushFront(popped)

	rec, ok := p.Pop()
	if !ok || rec.ID != 1 {
		t.Fatalf("expected PushFront'd record to pop first, got %+v ok=%v", rec, ok)
	}
}

func TestPoolSnapshotDoesNotMutate(t *testing.T) {
	t.Parallel()

	p := newPool()
	p.Push(model.ProxyRecord{ID: 1})
	p.Push(model.ProxyRecord{ID: 2})

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected snapshot of 2, got %d", len(snap))
	}
	if p.Len() != 2 {
		t.Fatalf("expected Len() unaffected by Snapshot, got %d", p.Len())
	}
}

func TestManagerGetIsStablePerSource(t *testing.T) {
	t.Parallel()

	m := NewManager()
	a := m.Get(1)
	b := m.Get(1)
	if a != b {
		t.Fatalf("expected the same pool instance for the same source id")
	}

	c := m.Get(2)
	if a == c {
		t.Fatalf("expected distinct pools per source id")
	}
}

func TestManagerSeedOrdersByPriorityDescending(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Seed(1, []model.ProxyRecord{
		{ID: 1, Priority: 10},
		{ID: 2, Priority: 90},
		{ID: 3, Priority: 50},
	})

	p := m.Get(1)
	for _, want := range []int{2, 3, 1} {
		rec, ok := p.Pop()
		if !ok || rec.ID != want {
			t.Fatalf("expected id %d next, got %+v ok=%v", want, rec, ok)
		}
	}
}

func TestManagerSourcesListsEveryTouchedSource(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Get(5)
	m.Get(7)

	sources := m.Sources()
	seen := map[int]bool{}
	for _, id := range sources {
		seen[id] = true
	}
	if !seen[5] || !seen[7] || len(sources) != 2 {
		t.Fatalf("expected sources [5 7], got %v", sources)
	}
}
