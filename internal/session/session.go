// Package session implements the streaming WebSocket session engine: the
// per-connection state machine that authenticates a client, accepts its
// source subscription, and then runs the STREAMING loop that dispatches
// leased proxies and accepts usage reports until the connection closes.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/EPguitars/proxycare/internal/cache"
	"github.com/EPguitars/proxycare/internal/codec"
	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/observability"
	"github.com/EPguitars/proxycare/internal/pool"
	"github.com/EPguitars/proxycare/internal/refill"
	"github.com/EPguitars/proxycare/internal/registry"
	"github.com/EPguitars/proxycare/internal/scheduler"
	sentryreport "github.com/EPguitars/proxycare/internal/sentry"
	"github.com/EPguitars/proxycare/internal/store"
)

// State is a session's position in the protocol state machine.
type State int

const (
	StateInit State = iota
	StateAuthed
	StateSubscribed
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthed:
		return "authed"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	inboundPollInterval = 100 * time.Millisecond
	idleWaitInterval    = 1 * time.Second
)

// Deps bundles the shared components every session needs. One Deps is
// built at startup and handed to every Session constructed afterward.
type Deps struct {
	Secrets  []string
	Pools    *pool.Manager
	Sched    *scheduler.Scheduler
	Registry *registry.Registry
	Refill   *refill.Coordinator
	Codec    *codec.Codec
	Store    store.Store
	Cache    *cache.Cache
	Metrics  *observability.Metrics
	Log      *slog.Logger

	// RateLimitPerSecond bounds how many report_proxy frames a single
	// session can submit per second.
	RateLimitPerSecond float64
}

// Options distinguishes the two WebSocket endpoint variants. /ws/proxies
// forces a cache/store refresh and emits sources_loaded before
// subscribing; /ws/proxy_multi expects an explicit {"action":"start",...}
// init frame and skips the forced refresh.
type Options struct {
	ForceRefresh        bool
	RequireActionStart  bool
}

// Session drives one WebSocket connection through init, auth, subscribe,
// and the STREAMING dispatch/inbound loop.
type Session struct {
	id   string
	conn *wsConn
	deps Deps
	opts Options

	limiter *rate.Limiter
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	sourceIDs []int
	subKey    registry.Key
}

// New builds a Session for a single accepted WebSocket connection. id
// should be a fresh UUID per connection.
func New(id string, ws *websocket.Conn, deps Deps, opts Options) *Session {
	limit := deps.RateLimitPerSecond
	if limit <= 0 {
		limit = 5
	}
	return &Session{
		id:      id,
		conn:    newWSConn(id, ws),
		deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		log:     deps.Log.With(slog.String("component", "session"), slog.String("session_id", id)),
		state:   StateInit,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session to completion: authenticate, subscribe, stream,
// and clean up. It returns once the connection is closed or ctx is
// canceled. The caller (the HTTP handler) owns closing the underlying
// websocket.Conn.
func (s *Session) Run(ctx context.Context, token string) error {
	if !s.authenticate(token) {
		s.log.Warn("rejecting connection with bad credentials")
		_ = s.conn.Close(websocket.StatusPolicyViolation, "invalid credentials")
		s.setState(StateClosed)
		return fmt.Errorf("session %s: authentication failed", s.id)
	}
	s.setState(StateAuthed)

	sourceIDs, err := s.awaitSubscription(ctx)
	if err != nil {
		_ = s.conn.Close(websocket.StatusPolicyViolation, "subscription failed")
		s.setState(StateClosed)
		return fmt.Errorf("session %s: subscription: %w", s.id, err)
	}

	s.mu.Lock()
	s.sourceIDs = sourceIDs
	s.mu.Unlock()
	s.setState(StateSubscribed)

	if s.opts.ForceRefresh {
		for _, id := range sourceIDs {
			if _, err := s.deps.Refill.Ensure(ctx, id); err != nil {
				s.log.Warn("forced refresh failed for source", slog.Int("source_id", id), slog.String("error", err.Error()))
			}
		}
		if err := s.conn.Send(ctx, sourcesLoadedFrame{Action: "sources_loaded", Sources: sourceIDs, Count: len(sourceIDs)}); err != nil {
			s.setState(StateClosed)
			return fmt.Errorf("session %s: send sources_loaded: %w", s.id, err)
		}
	}

	s.subKey = s.deps.Registry.Attach(s.conn, sourceIDs)
	defer s.deps.Registry.Detach(s.subKey, s.conn.ID())

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSessions.Inc()
		defer s.deps.Metrics.ActiveSessions.Dec()
	}

	s.setState(StateStreaming)
	err = s.stream(ctx)
	s.setState(StateClosed)
	return err
}

// authenticate checks token against every configured secret with a
// constant-time comparison. This is the only token check on the streaming
// path: the HTTP handler just extracts the token and passes it through.
// An empty token is always rejected.
func (s *Session) authenticate(token string) bool {
	if token == "" {
		return false
	}
	for _, secret := range s.deps.Secrets {
		if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// awaitSubscription reads the session's single init frame. /ws/proxies
// clients send a bare {"source_ids":[...]}; /ws/proxy_multi clients send
// {"action":"start","source_ids":[...]}. Both are decoded with the same
// inboundFrame shape; RequireActionStart only changes what's validated.
func (s *Session) awaitSubscription(ctx context.Context) ([]int, error) {
	var frame inboundFrame
	ok, err := s.conn.ReadFrame(ctx, 30*time.Second, &frame)
	if err != nil {
		return nil, fmt.Errorf("read init frame: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no init frame received within timeout")
	}

	if s.opts.RequireActionStart && frame.Action != "start" {
		_ = s.conn.Send(ctx, newErrorFrame("expected action=start"))
		return nil, fmt.Errorf("expected action=start, got %q", frame.Action)
	}
	if len(frame.SourceIDs) == 0 {
		_ = s.conn.Send(ctx, newErrorFrame("source_ids must not be empty"))
		return nil, errors.New("empty source_ids")
	}
	return frame.SourceIDs, nil
}

// stream runs the dispatch loop and the inbound loop concurrently until
// either exits, then cancels the other and cleans up. A proxy popped from
// a pool but not yet handed off when the connection dies is restored to
// the front of its pool rather than lost.
func (s *Session) stream(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.runGuarded("dispatch", s.dispatchLoop, ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.runGuarded("inbound", s.inboundLoop, ctx)
	}()

	firstErr := <-errCh
	cancel()
	wg.Wait()
	close(errCh)
	for range errCh {
		// drain second result, already canceled
	}
	return firstErr
}

// runGuarded runs loop to completion, recovering any panic so that a bug in
// one session's dispatch or inbound handling can never take the whole
// broker process down with it. A recovered panic is reported back through
// the loop's own error return rather than propagated.
func (s *Session) runGuarded(name string, loop func(context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in session loop", slog.String("loop", name), slog.Any("recover", r))
			sentryreport.CaptureException("session", fmt.Errorf("panic in %s loop: %v", name, r))
			err = fmt.Errorf("session %s: recovered panic in %s loop: %v", s.id, name, r)
		}
	}()
	return loop(ctx)
}

// dispatchLoop repeatedly walks the session's subscribed sources in fixed
// order, handing out the first available proxy it finds each tick. This
// deliberately matches the original behavior of favoring earlier sources
// in the list every tick rather than rotating a cursor between ticks:
// sessions that subscribe to a high-value source first are systematically
// favored for it, which is how the original deployment behaved in
// practice. If a full tick finds every source empty, it sends a single
// waiting frame and sleeps before trying again.
func (s *Session) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dispatched, err := s.tryDispatchOnce(ctx)
		if err != nil {
			return err
		}
		if dispatched {
			continue
		}

		if err := s.conn.Send(ctx, waitingFrame{Action: "waiting"}); err != nil {
			return fmt.Errorf("send waiting: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idleWaitInterval):
		}
	}
}

func (s *Session) tryDispatchOnce(ctx context.Context) (bool, error) {
	s.mu.Lock()
	sources := append([]int(nil), s.sourceIDs...)
	s.mu.Unlock()

	for _, sourceID := range sources {
		p := s.deps.Pools.Get(sourceID)
		rec, ok := p.Pop()
		if !ok {
			if _, err := s.deps.Refill.Ensure(ctx, sourceID); err != nil {
				s.log.Warn("refill failed during dispatch", slog.Int("source_id", sourceID), slog.String("error", err.Error()))
			}
			rec, ok = p.Pop()
			if !ok {
				continue
			}
		}

		if err := s.dispatch(ctx, sourceID, rec); err != nil {
			p.PushFront(rec)
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// dispatch sends rec to the client and arms its cool-down return. If the
// send fails, the caller restores rec to the pool; the cool-down is only
// armed once the send succeeds.
func (s *Session) dispatch(ctx context.Context, sourceID int, rec model.ProxyRecord) error {
	payload := proxyPayload{
		ID:           rec.ID,
		SourceID:     rec.SourceID,
		Priority:     rec.Priority,
		ProviderName: rec.ProviderName,
	}
	if encrypted, ok := s.deps.Codec.EncryptProxy(rec.Credential); ok {
		payload.CredentialB = encrypted
		payload.Encrypted = true
	} else {
		payload.Credential = rec.Credential
		payload.Encrypted = false
	}

	frame := proxyAvailableFrame{
		Action:        "proxy_available",
		Proxy:         payload,
		SourceID:      sourceID,
		UsageInterval: rec.EffectiveInterval(),
	}
	if err := s.conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("send proxy_available: %w", err)
	}

	interval := time.Duration(rec.EffectiveInterval()) * time.Second
	s.deps.Sched.ScheduleReturn(rec, sourceID, interval)

	if s.deps.Metrics != nil {
		s.deps.Metrics.LeasesDispatched.WithLabelValues(fmt.Sprintf("%d", sourceID)).Inc()
	}

	return nil
}

// inboundLoop polls for client frames and handles report_proxy,
// proxy_taken, and request_proxy. A poll timeout with no frame is not an
// error; it just yields back to the dispatch loop's cadence.
func (s *Session) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var frame inboundFrame
		ok, err := s.conn.ReadFrame(ctx, inboundPollInterval, &frame)
		if err != nil {
			return fmt.Errorf("inbound read: %w", err)
		}
		if !ok {
			continue
		}

		if err := s.handleInbound(ctx, frame); err != nil {
			s.log.Warn("inbound frame handling error", slog.String("action", frame.Action), slog.String("error", err.Error()))
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, frame inboundFrame) error {
	switch frame.Action {
	case "report_proxy":
		return s.handleReport(ctx, frame)
	case "proxy_taken":
		// Purely advisory: another session is telling us it just received
		// this proxy. We don't touch pool state here, only re-broadcast so
		// every other peer on this source hears it too. The source is never
		// trusted from the client; it's looked up from the proxy id itself.
		rec, err := s.deps.Cache.GetByID(ctx, frame.ProxyID)
		if err != nil || rec == nil {
			return nil
		}
		usageInterval := frame.UsageInterval
		if usageInterval <= 0 {
			usageInterval = rec.EffectiveInterval()
		}
		s.deps.Registry.PeersForSource(ctx, rec.SourceID, s.conn.ID(), func(key registry.Key) any {
			return proxyInUseFrame{
				Action:        "proxy_in_use",
				ProxyID:       frame.ProxyID,
				UsageInterval: usageInterval,
				Key:           string(key),
			}
		})
		return nil
	case "request_proxy":
		// The dispatch loop already serves proxies continuously; an
		// explicit request is acknowledged but triggers no extra work.
		return nil
	default:
		return s.conn.Send(ctx, newErrorFrame(fmt.Sprintf("unrecognized action %q", frame.Action)))
	}
}

func (s *Session) handleReport(ctx context.Context, frame inboundFrame) error {
	if !s.limiter.Allow() {
		return s.conn.Send(ctx, reportAcknowledgedFrame{Action: "report_acknowledged", Success: false, Message: "rate limited"})
	}

	report := model.UsageReport{
		ProxyID:    frame.ProxyID,
		StatusCode: model.StatusCode(frame.StatusCode),
		ReportedAt: time.Now(),
	}

	_, err := s.deps.Store.InsertReport(ctx, report)
	if err != nil {
		outcome := "error"
		msg := "failed to record report"
		if errors.Is(err, store.ErrProxyNotFound) {
			outcome = "not_found"
			msg = "unknown proxy id"
		} else {
			s.log.Error("insert report failed", slog.Int("proxy_id", frame.ProxyID), slog.String("error", err.Error()))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ReportsReceived.WithLabelValues(outcome).Inc()
		}
		return s.conn.Send(ctx, reportAcknowledgedFrame{Action: "report_acknowledged", Success: false, Message: msg})
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ReportsReceived.WithLabelValues("ok").Inc()
	}
	return s.conn.Send(ctx, reportAcknowledgedFrame{Action: "report_acknowledged", Success: true})
}
