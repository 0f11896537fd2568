package durable

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/logging"
)

func newTestRuntime(t *testing.T, clock Clock) *Local {
	t.Helper()
	l := NewLocal(logging.Discard(), WithClock(clock), WithRetryPolicy(3, time.Millisecond))
	t.Cleanup(l.Close)
	return l
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustEvent(t *testing.T, name string, data any) Event {
	t.Helper()
	ev, err := NewEvent(name, data)
	require.NoError(t, err)
	return ev
}

func TestLocal_RetryReplaysMemoizedSteps(t *testing.T) {
	l := newTestRuntime(t, RealClock())
	var sideEffects, attempts int32

	require.NoError(t, l.Register(Function{
		ID:      "flaky",
		Trigger: "test/flaky",
		Handler: func(ctx context.Context, in Input, step Step) error {
			n, err := RunStep(ctx, step, "side-effect", func(ctx context.Context) (int, error) {
				return int(atomic.AddInt32(&sideEffects, 1)), nil
			})
			if err != nil {
				return err
			}
			assert.Equal(t, 1, n)
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errors.New("temporary")
			}
			return nil
		},
	}))

	require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/flaky", nil)))
	require.NoError(t, l.Settle(waitCtx(t)))

	runs := l.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sideEffects))
}

func TestLocal_NonRetryableFailsImmediately(t *testing.T) {
	l := newTestRuntime(t, RealClock())
	require.NoError(t, l.Register(Function{
		ID:      "invalid",
		Trigger: "test/invalid",
		Handler: func(ctx context.Context, in Input, step Step) error {
			return fault.Validation("input missing")
		},
	}))

	require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/invalid", nil)))
	require.NoError(t, l.Settle(waitCtx(t)))

	runs := l.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Attempts)
	assert.True(t, fault.Is(runs[0].Err, fault.CodeValidation))
}

func TestLocal_SleepThenSend(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	l := newTestRuntime(t, clock)

	require.NoError(t, l.Register(Function{
		ID:      "sleeper",
		Trigger: "test/sleep",
		Handler: func(ctx context.Context, in Input, step Step) error {
			if err := step.SleepUntil(ctx, "wait", start.Add(time.Hour)); err != nil {
				return err
			}
			return step.SendEvent(ctx, "done", mustEvent(t, "test/woke", nil))
		},
	}))

	require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/sleep", nil)))
	require.NoError(t, l.Settle(waitCtx(t)))

	runs := l.Runs()
	require.Equal(t, RunStatusSleeping, runs[0].Status)
	require.NotNil(t, runs[0].WakeAt)
	assert.True(t, runs[0].WakeAt.Equal(start.Add(time.Hour)))

	clock.Advance(59 * time.Minute)
	require.NoError(t, l.Settle(waitCtx(t)))
	assert.Len(t, l.Sent(), 1)

	clock.Advance(time.Minute)
	require.NoError(t, l.WaitUntil(waitCtx(t), func() bool { return l.Runs()[0].Status == RunStatusCompleted }))
	sent := l.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "test/woke", sent[1].Name)
}

type ids struct {
	WorkflowID string `json:"workflowId"`
}

func matchWorkflow(trigger, incoming Event) bool {
	var a, b ids
	return trigger.Decode(&a) == nil && incoming.Decode(&b) == nil && a.WorkflowID == b.WorkflowID
}

func TestLocal_CancelOnMatchingEvent(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newTestRuntime(t, clock)

	require.NoError(t, l.Register(Function{
		ID:       "waiter",
		Trigger:  "test/wait",
		CancelOn: []Cancel{{Event: "test/stop", Match: matchWorkflow}},
		Handler: func(ctx context.Context, in Input, step Step) error {
			if err := step.SleepUntil(ctx, "wait", clock.Now().Add(time.Hour)); err != nil {
				return err
			}
			return step.SendEvent(ctx, "fire", mustEvent(t, "test/fired", nil))
		},
	}))

	require.NoError(t, l.Send(context.Background(),
		mustEvent(t, "test/wait", ids{"wf-1"}),
		mustEvent(t, "test/wait", ids{"wf-2"})))
	require.NoError(t, l.Settle(waitCtx(t)))

	require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/stop", ids{"wf-1"})))
	require.NoError(t, l.WaitUntil(waitCtx(t), func() bool { return l.Runs()[0].Status == RunStatusCancelled }))
	assert.Equal(t, RunStatusSleeping, l.Runs()[1].Status)

	clock.Advance(time.Hour)
	require.NoError(t, l.WaitUntil(waitCtx(t), func() bool { return l.Runs()[1].Status == RunStatusCompleted }))

	var fired int
	for _, ev := range l.Sent() {
		if ev.Name == "test/fired" {
			fired++
		}
	}
	assert.Equal(t, 1, fired, "only the uncancelled run fires")
}

func TestLocal_RegisterRejectsDuplicates(t *testing.T) {
	l := newTestRuntime(t, RealClock())
	fn := Function{ID: "a", Trigger: "t", Handler: func(context.Context, Input, Step) error { return nil }}
	require.NoError(t, l.Register(fn))
	assert.Error(t, l.Register(fn))
	assert.Error(t, l.Register(Function{ID: "b"}))
	assert.True(t, l.Handles("t"))
	assert.False(t, l.Handles("other"))
}

func TestLocal_HistoryIsBounded(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLocal(logging.Discard(), WithClock(clock), WithRetryPolicy(1, time.Millisecond), WithHistory(2))
	t.Cleanup(l.Close)

	require.NoError(t, l.Register(
		Function{
			ID:      "waiter",
			Trigger: "test/wait",
			Handler: func(ctx context.Context, in Input, step Step) error {
				return step.SleepUntil(ctx, "wait", clock.Now().Add(time.Hour))
			},
		},
		Function{
			ID:      "quick",
			Trigger: "test/quick",
			Handler: func(ctx context.Context, in Input, step Step) error { return nil },
		},
	))

	require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/wait", nil)))
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Send(context.Background(), mustEvent(t, "test/quick", map[string]int{"n": i})))
	}
	require.NoError(t, l.Settle(waitCtx(t)))

	runs := l.Runs()
	require.Len(t, runs, 3, "the sleeping run plus the two latest finished runs")
	assert.Equal(t, "waiter", runs[0].FunctionID)
	assert.Equal(t, RunStatusSleeping, runs[0].Status)

	for _, r := range runs[1:] {
		assert.Equal(t, "quick", r.FunctionID)
		assert.Equal(t, RunStatusCompleted, r.Status)
	}

	var last struct{ N int }
	sent := l.Sent()
	require.Len(t, sent, 2)
	require.NoError(t, sent[1].Decode(&last))
	assert.Equal(t, 4, last.N)

	clock.Advance(time.Hour)
	require.NoError(t, l.WaitUntil(waitCtx(t), func() bool {
		for _, r := range l.Runs() {
			if r.FunctionID == "waiter" {
				return r.Status == RunStatusCompleted
			}
		}
		return false
	}))
}
