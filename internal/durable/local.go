package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"flowdeck/backend/internal/fault"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSleeping  RunStatus = "SLEEPING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

func (s RunStatus) terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunInfo is a snapshot of a run.
type RunInfo struct {
	ID         string
	FunctionID string
	Event      Event
	Status     RunStatus
	Attempts   int
	Err        error
	WakeAt     *time.Time
}

// Local is an in-process Runtime. Step results, sleeps and sent events are
// memoized per run so retried attempts replay completed steps. Nothing
// survives a process restart, so callers re-arm schedules on start.
//
// Only live runs are tracked for cancellation. Finished runs and sent
// events are kept in a bounded history for inspection.
type Local struct {
	logger         Logger
	clock          Clock
	maxAttempts    int
	initialBackoff time.Duration
	history        int

	mu        sync.Mutex
	functions map[string][]Function
	ids       map[string]bool
	live      map[string]*run
	done      []*run
	sent      []Event
	seq       uint64
	changed   chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// LocalOption configures a Local runtime.
type LocalOption func(*Local)

// WithClock sets the clock used by SleepUntil.
func WithClock(c Clock) LocalOption { return func(l *Local) { l.clock = c } }

// WithRetryPolicy sets the attempt budget and the first backoff interval.
func WithRetryPolicy(maxAttempts int, initialBackoff time.Duration) LocalOption {
	return func(l *Local) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			l.initialBackoff = initialBackoff
		}
	}
}

// WithHistory caps how many finished runs and sent events are retained.
func WithHistory(n int) LocalOption {
	return func(l *Local) {
		if n >= 0 {
			l.history = n
		}
	}
}

// NewLocal creates a Local runtime.
func NewLocal(logger Logger, opts ...LocalOption) *Local {
	l := &Local{
		logger:         logger,
		clock:          RealClock(),
		maxAttempts:    4,
		initialBackoff: time.Second,
		history:        1000,
		functions:      make(map[string][]Function),
		ids:            make(map[string]bool),
		live:           make(map[string]*run),
		changed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type run struct {
	id     string
	seq    uint64
	fn     Function
	event  Event
	ctx    context.Context
	cancel context.CancelCauseFunc

	// guarded by Local.mu
	status   RunStatus
	attempts int
	err      error
	wakeAt   *time.Time

	memoMu sync.Mutex
	memo   map[string]json.RawMessage
}

// Register adds functions. Function ids must be unique.
func (l *Local) Register(fns ...Function) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, fn := range fns {
		if fn.ID == "" || fn.Trigger == "" || fn.Handler == nil {
			return fmt.Errorf("durable: function %q is incomplete", fn.ID)
		}
		if l.ids[fn.ID] {
			return fmt.Errorf("durable: function %q already registered", fn.ID)
		}
		l.ids[fn.ID] = true
		l.functions[fn.Trigger] = append(l.functions[fn.Trigger], fn)
	}
	return nil
}

// Handles reports whether a function is triggered by eventName.
func (l *Local) Handles(eventName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.functions[eventName]) > 0
}

// Send records events, cancels waiting runs whose CancelOn matches, and
// starts a run of every function triggered by each event.
func (l *Local) Send(ctx context.Context, events ...Event) error {
	return l.send(nil, events)
}

// send emits events on behalf of from. The cancellation check and the
// emission happen under one lock, so a run cancelled before it sends never
// emits.
func (l *Local) send(from *run, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("durable: runtime closed")
	}
	if from != nil && from.ctx.Err() != nil {
		return context.Cause(from.ctx)
	}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = l.clock.Now().UTC()
		}
		l.sent = keepLast(append(l.sent, ev), l.history)
		l.cancelMatchingLocked(ev)

		fns := l.functions[ev.Name]
		if len(fns) == 0 {
			l.logger.Debug("no function triggered by event", "event", ev.Name)
		}
		for _, fn := range fns {
			l.startLocked(fn, ev)
		}
	}
	l.notifyLocked()
	return nil
}

func (l *Local) cancelMatchingLocked(ev Event) {
	for _, r := range l.live {
		for _, c := range r.fn.CancelOn {
			if c.Event == ev.Name && (c.Match == nil || c.Match(r.event, ev)) {
				l.logger.Info("cancelling run", "run_id", r.id, "function", r.fn.ID, "event", ev.Name)
				r.cancel(ErrCancelled)
				break
			}
		}
	}
}

func (l *Local) startLocked(fn Function, ev Event) {
	ctx, cancel := context.WithCancelCause(context.Background())
	l.seq++
	r := &run{
		id:     uuid.New().String(),
		seq:    l.seq,
		fn:     fn,
		event:  ev,
		ctx:    ctx,
		cancel: cancel,
		status: RunStatusRunning,
		memo:   make(map[string]json.RawMessage),
	}
	l.live[r.id] = r
	l.wg.Add(1)
	go l.execute(r)
}

func (l *Local) execute(r *run) {
	defer l.wg.Done()
	defer r.cancel(nil)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.initialBackoff
	policy.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.maxAttempts-1)), r.ctx)

	step := &localStep{l: l, r: r}
	attempt := 0
	err := backoff.RetryNotify(func() error {
		l.mu.Lock()
		r.attempts++
		l.mu.Unlock()
		err := r.fn.Handler(r.ctx, Input{Event: r.event, RunID: r.id, Attempt: attempt}, step)
		attempt++
		if err == nil {
			return nil
		}
		if r.ctx.Err() != nil || !fault.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		l.logger.Warn("retrying run", "run_id", r.id, "function", r.fn.ID, "attempt", attempt, "backoff", wait, "error", err)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case errors.Is(context.Cause(r.ctx), ErrCancelled), l.closed:
		r.status = RunStatusCancelled
	case err != nil:
		r.status = RunStatusFailed
		r.err = err
		l.logger.Error("run failed", "run_id", r.id, "function", r.fn.ID, "event", r.event.Name,
			"retryable", fault.IsRetryable(err), "error", err)
	default:
		r.status = RunStatusCompleted
	}
	r.wakeAt = nil
	delete(l.live, r.id)
	l.done = keepLast(append(l.done, r), l.history)
	l.notifyLocked()
}

// keepLast returns the last n elements of s.
func keepLast[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (l *Local) setStatus(r *run, status RunStatus, wakeAt *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.status.terminal() {
		return
	}
	r.status = status
	r.wakeAt = wakeAt
	l.notifyLocked()
}

func (l *Local) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Sent returns the retained sent events, oldest first.
func (l *Local) Sent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.sent...)
}

// Runs returns a snapshot of the live runs and the retained finished runs,
// in start order.
func (l *Local) Runs() []RunInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := make([]*run, 0, len(l.live)+len(l.done))
	all = append(all, l.done...)
	for _, r := range l.live {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]RunInfo, 0, len(all))
	for _, r := range all {
		info := RunInfo{ID: r.id, FunctionID: r.fn.ID, Event: r.event, Status: r.status, Attempts: r.attempts, Err: r.err}
		if r.wakeAt != nil {
			w := *r.wakeAt
			info.WakeAt = &w
		}
		out = append(out, info)
	}
	return out
}

// Settle blocks until no run is RUNNING: every run has either finished or
// is sleeping.
func (l *Local) Settle(ctx context.Context) error {
	for {
		l.mu.Lock()
		busy := false
		for _, r := range l.live {
			if r.status == RunStatusRunning {
				busy = true
				break
			}
		}
		changed := l.changed
		l.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitUntil blocks until cond holds. cond is re-evaluated after every run
// state change and every sent event.
func (l *Local) WaitUntil(ctx context.Context, cond func() bool) error {
	for {
		l.mu.Lock()
		changed := l.changed
		l.mu.Unlock()
		if cond() {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels every run and waits for them to return.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	for _, r := range l.live {
		r.cancel(context.Canceled)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

type localStep struct {
	l *Local
	r *run
}

func (s *localStep) recall(id string) (json.RawMessage, bool) {
	s.r.memoMu.Lock()
	defer s.r.memoMu.Unlock()
	v, ok := s.r.memo[id]
	return v, ok
}

func (s *localStep) remember(id string, v json.RawMessage) {
	s.r.memoMu.Lock()
	defer s.r.memoMu.Unlock()
	s.r.memo[id] = v
}

func (s *localStep) Run(ctx context.Context, id string, fn func(ctx context.Context) (any, error), out any) error {
	if raw, ok := s.recall("run:" + id); ok {
		return decodeInto(raw, out)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	result, err := fn(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fault.Permanent(fmt.Sprintf("step %s returned an unserializable result", id), err)
	}
	s.remember("run:"+id, raw)
	return decodeInto(raw, out)
}

func decodeInto(raw json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *localStep) SleepUntil(ctx context.Context, id string, t time.Time) error {
	if _, ok := s.recall("sleep:" + id); ok {
		return nil
	}
	timer := s.l.clock.After(t.Sub(s.l.clock.Now()))
	wake := t
	s.l.setStatus(s.r, RunStatusSleeping, &wake)
	defer s.l.setStatus(s.r, RunStatusRunning, nil)

	select {
	case <-timer:
		s.remember("sleep:"+id, json.RawMessage("true"))
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *localStep) SendEvent(ctx context.Context, id string, events ...Event) error {
	if _, ok := s.recall("send:" + id); ok {
		return nil
	}
	if err := s.l.send(s.r, events); err != nil {
		return err
	}
	s.remember("send:"+id, json.RawMessage("true"))
	return nil
}
