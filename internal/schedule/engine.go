// Package schedule implements the recurring schedule engine: each cycle
// validates the schedule, sleeps until the next cron activation, fires the
// workflow event and re-arms itself by emitting the next schedule.start.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/events"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/pkg/models"
)

// FunctionID identifies the schedule cycle function.
const FunctionID = "schedule-cycle"

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WorkflowReader loads workflow instances.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, ownerUserID, id string) (*models.Workflow, error)
}

// HandlerRegistry reports whether a workflow event has a function.
type HandlerRegistry interface {
	Handles(eventName string) bool
}

// Engine runs schedule cycles on a durable runtime.
type Engine struct {
	workflows WorkflowReader
	handlers  HandlerRegistry
	clock     durable.Clock
	logger    Logger

	fires         metric.Int64Counter
	cancellations metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(workflows WorkflowReader, handlers HandlerRegistry, clock durable.Clock, logger Logger) *Engine {
	meter := otel.Meter("flowdeck/schedule")
	fires, _ := meter.Int64Counter("schedule.fires", metric.WithDescription("Scheduled workflow events emitted"))
	cancellations, _ := meter.Int64Counter("schedule.cancellations", metric.WithDescription("Waiting schedule cycles cancelled"))
	return &Engine{
		workflows:     workflows,
		handlers:      handlers,
		clock:         clock,
		logger:        logger,
		fires:         fires,
		cancellations: cancellations,
	}
}

// Function returns the durable function implementing the cycle. A
// schedule.stop for the same workflow and owner cancels a waiting cycle.
func (e *Engine) Function() durable.Function {
	return durable.Function{
		ID:       FunctionID,
		Trigger:  events.ScheduleStart,
		CancelOn: []durable.Cancel{{Event: events.ScheduleStop, Match: events.SameWorkflow}},
		Handler:  e.cycle,
	}
}

// armed is the memoized outcome of the precondition check.
type armed struct {
	EventName  string `json:"eventName"`
	Superseded bool   `json:"superseded"`
}

// plan is the memoized pair of fire times for one cycle.
type plan struct {
	FireAt    time.Time `json:"fireAt"`
	FollowsAt time.Time `json:"followsAt"`
}

func (e *Engine) cycle(ctx context.Context, in durable.Input, step durable.Step) error {
	var p events.ScheduleStartPayload
	if err := in.Event.Decode(&p); err != nil {
		return fault.Permanent("malformed schedule.start payload", err)
	}
	log := []any{"workflow_id", p.WorkflowID, "owner_user_id", p.OwnerUserID, "run_id", in.RunID, "generation", p.Generation}

	state, err := durable.RunStep(ctx, step, "validate-schedule", func(ctx context.Context) (armed, error) {
		return e.arm(ctx, p)
	})
	if err != nil {
		e.logger.Error("schedule rejected", append(log, "error", err)...)
		return err
	}
	if state.Superseded {
		e.logger.Info("schedule superseded before arming", log...)
		return nil
	}

	next, err := durable.RunStep(ctx, step, "compute-next-run", func(ctx context.Context) (plan, error) {
		fireAt, err := NextFireTime(p.CronExpression, p.Timezone, e.clock.Now())
		if err != nil {
			return plan{}, err
		}
		followsAt, err := NextFireTime(p.CronExpression, p.Timezone, fireAt)
		if err != nil {
			return plan{}, err
		}
		return plan{FireAt: fireAt, FollowsAt: followsAt}, nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("schedule waiting", append(log, "next_fire", next.FireAt)...)

	if err := step.SleepUntil(ctx, "sleep-until-next-run", next.FireAt); err != nil {
		if errors.Is(err, durable.ErrCancelled) {
			e.cancellations.Add(context.Background(), 1)
			e.logger.Info("schedule cancelled while waiting", log...)
		}
		return err
	}

	current, err := durable.RunStep(ctx, step, "check-generation", func(ctx context.Context) (armed, error) {
		return e.arm(ctx, p)
	})
	if err != nil {
		return err
	}
	if current.Superseded {
		e.logger.Info("schedule superseded while waiting", log...)
		return nil
	}

	fire, err := durable.NewEvent(current.EventName, events.WorkflowPayload{
		WorkflowID:     p.WorkflowID,
		OwnerUserID:    p.OwnerUserID,
		Input:          p.Input,
		ScheduledRun:   true,
		CronExpression: p.CronExpression,
		Timezone:       p.Timezone,
		Generation:     p.Generation,
	})
	if err != nil {
		return fault.Permanent("failed to build workflow event", err)
	}
	ticked, err := durable.NewEvent(events.ScheduleTicked, events.ScheduleTickedPayload{
		WorkflowID:  p.WorkflowID,
		OwnerUserID: p.OwnerUserID,
		Generation:  p.Generation,
		FiredAt:     next.FireAt,
		NextRunAt:   next.FollowsAt,
	})
	if err != nil {
		return fault.Permanent("failed to build tick event", err)
	}
	rearm, err := durable.NewEvent(events.ScheduleStart, p)
	if err != nil {
		return fault.Permanent("failed to build schedule.start event", err)
	}

	if err := step.SendEvent(ctx, "fire-and-rearm", fire, ticked, rearm); err != nil {
		if errors.Is(err, durable.ErrCancelled) {
			e.cancellations.Add(context.Background(), 1)
			e.logger.Info("schedule cancelled before firing", log...)
		}
		return err
	}
	e.fires.Add(ctx, 1)
	e.logger.Info("schedule fired", append(log, "event", current.EventName, "fired_at", next.FireAt, "next_fire", next.FollowsAt)...)
	return nil
}

// arm checks that the workflow may be scheduled and that p is the current
// generation. A stale generation or an inactive workflow is reported as
// superseded; every other violation is a non-retryable fault.
func (e *Engine) arm(ctx context.Context, p events.ScheduleStartPayload) (armed, error) {
	w, err := e.workflows.GetWorkflow(ctx, p.OwnerUserID, p.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return armed{Superseded: true}, nil
	}
	if err != nil {
		return armed{}, fmt.Errorf("failed to load workflow %s: %w", p.WorkflowID, err)
	}
	if !w.IsActive || w.ScheduleGeneration != p.Generation {
		return armed{EventName: w.EventName, Superseded: true}, nil
	}
	if err := CheckSchedulable(w.CanBeScheduled, []string{p.CronExpression}, p.Timezone); err != nil {
		return armed{}, err
	}
	if !e.handlers.Handles(w.EventName) {
		e.logger.Error("workflow references an event with no registered function",
			"workflow_id", w.ID, "event", w.EventName)
		return armed{}, fault.UnknownEvent(w.EventName)
	}
	return armed{EventName: w.EventName}, nil
}

// CheckSchedulable enforces the scheduling preconditions: the template must
// allow scheduling and exactly one cron expression that parses in timezone
// must be given.
func CheckSchedulable(canBeScheduled bool, cronExpressions []string, timezone string) error {
	if !canBeScheduled {
		return fault.Validation("workflow cannot be scheduled")
	}
	if len(cronExpressions) != 1 {
		return fault.Validation(fmt.Sprintf("exactly one cron expression is required, got %d", len(cronExpressions)),
			fault.FieldError{Field: "cronExpressions", Message: "must contain exactly one expression"})
	}
	_, err := NextFireTime(cronExpressions[0], timezone, time.Now())
	return err
}
