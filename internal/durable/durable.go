// Package durable declares the step runtime contract workflow functions are
// written against: memoized steps, durable sleep, event sending and
// cancellation by event predicate.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled is the cause of a run context cancelled by a CancelOn match.
var ErrCancelled = errors.New("durable: run cancelled")

// Event is a named payload delivered to every function triggered by Name.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent marshals data into an Event with a fresh id.
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{ID: uuid.New().String(), Name: name, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Step is the per-run handle to the runtime. Every method takes a step id
// that must be stable across replays of the same run.
type Step interface {
	// Run executes fn once per run; on replay the recorded result is decoded
	// into out instead. out may be nil.
	Run(ctx context.Context, id string, fn func(ctx context.Context) (any, error), out any) error
	// SleepUntil suspends the run until t.
	SleepUntil(ctx context.Context, id string, t time.Time) error
	// SendEvent emits events once per run.
	SendEvent(ctx context.Context, id string, events ...Event) error
}

// RunStep is a typed wrapper around Step.Run.
func RunStep[T any](ctx context.Context, step Step, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := step.Run(ctx, id, func(ctx context.Context) (any, error) { return fn(ctx) }, &out)
	return out, err
}

// Input is what a handler receives.
type Input struct {
	Event   Event
	RunID   string
	Attempt int
}

// Handler is the body of a function. Returning an error that is not a
// retryable fault ends the run as failed.
type Handler func(ctx context.Context, in Input, step Step) error

// Cancel cancels a waiting run of the function when an event named Event
// arrives and Match(trigger, incoming) holds.
type Cancel struct {
	Event string
	Match func(trigger, incoming Event) bool
}

// Function is a registered unit of work.
type Function struct {
	ID       string
	Trigger  string
	CancelOn []Cancel
	Handler  Handler
}

// Sender emits events.
type Sender interface {
	Send(ctx context.Context, events ...Event) error
}

// Runtime runs registered functions.
type Runtime interface {
	Sender
	Register(fns ...Function) error
	// Handles reports whether any function is triggered by eventName.
	Handles(eventName string) bool
}
