// Package registry tracks which sessions are subscribed to which sources
// so the session engine can broadcast advisory notices ("this proxy just
// got dispatched to someone else") to peers without touching pool state.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Conn is the narrow surface the registry needs from a session's
// transport. The session engine's websocket wrapper implements this.
type Conn interface {
	ID() string
	Send(ctx context.Context, frame any) error
}

// Key is a subscription key: the comma-joined, sorted set of source ids a
// session subscribed to. Two sessions share a key iff they asked for
// exactly the same source set.
type Key string

// KeyFor builds a subscription key from a set of source ids, sorting and
// deduplicating them first so subscription order never matters.
func KeyFor(sourceIDs []int) Key {
	uniq := make(map[int]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		uniq[id] = struct{}{}
	}
	sorted := make([]int, 0, len(uniq))
	for id := range uniq {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return Key(strings.Join(parts, ","))
}

// Registry is a process-local fan-out table, not a pub/sub system: it only
// ever notifies sessions already attached to this broker instance.
type Registry struct {
	mu    sync.RWMutex
	byKey map[Key]map[string]Conn
	// sourceKeys indexes every key that includes a given source id, so a
	// proxy_in_use notice for source X can reach both the single-source
	// subscribers and every multi-source subscriber that includes X.
	sourceKeys map[int]map[Key]struct{}
	// keySources is the reverse of sourceKeys, used to clean up
	// sourceKeys once a key has no attached connections left.
	keySources map[Key][]int
	log        *slog.Logger
}

// New builds an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byKey:      make(map[Key]map[string]Conn),
		sourceKeys: make(map[int]map[Key]struct{}),
		keySources: make(map[Key][]int),
		log:        log.With(slog.String("component", "registry")),
	}
}

// Attach registers conn under the subscription key derived from
// sourceIDs. A session must Attach exactly once, after subscribing.
func (r *Registry) Attach(conn Conn, sourceIDs []int) Key {
	key := KeyFor(sourceIDs)

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byKey[key]
	if !ok {
		conns = make(map[string]Conn)
		r.byKey[key] = conns
	}
	conns[conn.ID()] = conn

	if _, ok := r.keySources[key]; !ok {
		for _, id := range sourceIDs {
			keys, ok := r.sourceKeys[id]
			if !ok {
				keys = make(map[Key]struct{})
				r.sourceKeys[id] = keys
			}
			keys[key] = struct{}{}
		}
		r.keySources[key] = sourceIDs
	}

	return key
}

// Detach removes conn from key. Safe to call multiple times or on a
// conn/key pair that was never attached.
func (r *Registry) Detach(key Key, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byKey, key)
		for _, id := range r.keySources[key] {
			if keys, ok := r.sourceKeys[id]; ok {
				delete(keys, key)
				if len(keys) == 0 {
					delete(r.sourceKeys, id)
				}
			}
		}
		delete(r.keySources, key)
	}
}

// Broadcast sends frame to every connection attached under key. Sessions
// whose send fails are detached (the connection is presumed dead); the
// caller does not need to clean them up separately. Broadcast snapshots
// the recipient list before sending so a concurrent Attach/Detach never
// races with the iteration itself.
func (r *Registry) Broadcast(ctx context.Context, key Key, frame any) {
	r.mu.RLock()
	conns := r.byKey[key]
	snapshot := make([]Conn, 0, len(conns))
	for _, c := range conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.Send(ctx, frame); err != nil {
			r.log.Debug("broadcast send failed, detaching", slog.String("conn_id", c.ID()), slog.String("error", err.Error()))
			r.Detach(key, c.ID())
		}
	}
}

// PeersForSource broadcasts a frame to every subscription key that includes
// sourceID — both the single-source key and any multi-source key
// containing it — excluding excludeConnID (pass "" to exclude no one).
// This is how a proxy_in_use notice reaches every session that could
// plausibly care, not just ones subscribed to exactly that one source,
// while never echoing the notice back to the sender that triggered it.
//
// buildFrame is called once per recipient key so the frame can carry that
// group's own subscription key (a single-source subscriber and a
// multi-source subscriber that both include sourceID see different "key"
// values in the notice they receive).
func (r *Registry) PeersForSource(ctx context.Context, sourceID int, excludeConnID string, buildFrame func(key Key) any) {
	r.mu.RLock()
	keys := r.sourceKeys[sourceID]
	snapshot := make([]Key, 0, len(keys))
	for k := range keys {
		snapshot = append(snapshot, k)
	}
	r.mu.RUnlock()

	for _, k := range snapshot {
		r.broadcastExcluding(ctx, k, excludeConnID, buildFrame(k))
	}
}

// broadcastExcluding is Broadcast with one connection id skipped.
func (r *Registry) broadcastExcluding(ctx context.Context, key Key, excludeConnID string, frame any) {
	r.mu.RLock()
	conns := r.byKey[key]
	snapshot := make([]Conn, 0, len(conns))
	for _, c := range conns {
		if c.ID() == excludeConnID {
			continue
		}
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.Send(ctx, frame); err != nil {
			r.log.Debug("broadcast send failed, detaching", slog.String("conn_id", c.ID()), slog.String("error", err.Error()))
			r.Detach(key, c.ID())
		}
	}
}
