package registry

import (
	"context"
	"sync"
	"testing"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  []any
	sendErr error
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ctx context.Context, frame any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestKeyForIsOrderAndDuplicateInsensitive(t *testing.T) {
	t.Parallel()

	a := KeyFor([]int{3, 1, 2})
	b := KeyFor([]int{2, 1, 3, 1})
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if a != Key("1,2,3") {
		t.Fatalf("expected key '1,2,3', got %q", a)
	}
}

func TestBroadcastReachesAttachedConns(t *testing.T) {
	t.Parallel()

	r := New(nil)
	c1 := &fakeConn{id: "a"}
	c2 := &fakeConn{id: "b"}

	key := r.Attach(c1, []int{1, 2})
	r.Attach(c2, []int{1, 2})

	r.Broadcast(context.Background(), key, "hello")

	if c1.count() != 1 || c2.count() != 1 {
		t.Fatalf("expected both conns to receive the broadcast, got %d and %d", c1.count(), c2.count())
	}
}

func TestPeersForSourceReachesMultiSourceSubscribers(t *testing.T) {
	t.Parallel()

	r := New(nil)
	single := &fakeConn{id: "single"}
	multi := &fakeConn{id: "multi"}

	r.Attach(single, []int{1})
	r.Attach(multi, []int{1, 2})

	r.PeersForSource(context.Background(), 1, "", func(Key) any { return "proxy_in_use" })

	if single.count() != 1 {
		t.Fatalf("expected single-source subscriber to be notified, got %d", single.count())
	}
	if multi.count() != 1 {
		t.Fatalf("expected multi-source subscriber to be notified, got %d", multi.count())
	}
}

func TestPeersForSourceExcludesReportingConn(t *testing.T) {
	t.Parallel()

	r := New(nil)
	reporter := &fakeConn{id: "reporter"}
	other := &fakeConn{id: "other"}

	r.Attach(reporter, []int{1})
	r.Attach(other, []int{1})

	r.PeersForSource(context.Background(), 1, reporter.id, func(Key) any { return "proxy_in_use" })

	if reporter.count() != 0 {
		t.Fatalf("expected reporting conn to not receive its own echo, got %d frames", reporter.count())
	}
	if other.count() != 1 {
		t.Fatalf("expected other subscriber to be notified, got %d", other.count())
	}
}

func TestDetachRemovesConnAndCleansUpSourceIndex(t *testing.T) {
	t.Parallel()

	r := New(nil)
	c := &fakeConn{id: "a"}
	key := r.Attach(c, []int{9})

	r.Detach(key, c.id)

	r.PeersForSource(context.Background(), 9, "x", func(Key) any { return "proxy_in_use" })
	if c.count() != 0 {
		t.Fatalf("expected no conns left for source 9")
	}
	if _, ok := r.sourceKeys[9]; ok {
		t.Fatalf("expected source index entry for 9 to be removed")
	}
}

func TestBroadcastDetachesFailingConns(t *testing.T) {
	t.Parallel()

	r := New(nil)
	bad := &fakeConn{id: "bad", sendErr: errSendFailed}
	good := &fakeConn{id: "good"}

	key := r.Attach(bad, []int{1})
	r.Attach(good, []int{1})

	r.Broadcast(context.Background(), key, "x")

	if good.count() != 1 {
		t.Fatalf("expected good conn to receive the frame")
	}
	if _, ok := r.byKey[key][bad.id]; ok {
		t.Fatalf("expected failing conn to be detached")
	}

	r.Broadcast(context.Background(), key, "y")
	if good.count() != 2 {
		t.Fatalf("expected good conn still attached after bad conn was dropped")
	}
}

var errSendFailed = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "send failed" }
