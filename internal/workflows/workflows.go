// Package workflows holds the business logic run for each catalog template.
// Every template becomes one durable function triggered by its workflow
// event; scheduled and manual runs are handled identically.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/events"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/resolver"
	"flowdeck/backend/pkg/models"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Sheets reads and writes spreadsheet values.
type Sheets interface {
	FindSpreadsheetByName(ctx context.Context, name string) (string, error)
	ReadValues(ctx context.Context, spreadsheetID, readRange string) ([][]any, error)
	WriteValues(ctx context.Context, spreadsheetID, writeRange string, values [][]any) error
	AppendValues(ctx context.Context, spreadsheetID, appendRange string, values [][]any) error
}

// Mailer sends plain text email and returns the provider message id.
type Mailer interface {
	SendEmail(ctx context.Context, to []string, subject, body string) (string, error)
}

// Messenger posts chat messages and returns the provider message id.
type Messenger interface {
	PostMessage(ctx context.Context, channelID, text string, mentions []string) (string, error)
}

// Env is the explicit context a run works with. Clients are nil when the
// workflow has no usable credential for their provider.
type Env struct {
	Workflow *models.Workflow
	Sheets   Sheets
	Mail     Mailer
	Slack    Messenger
}

// Binder assembles the Env for one triggered execution.
type Binder func(ctx context.Context, trigger resolver.Trigger) (*Env, error)

// Resolve binds executions through the credential resolver.
func Resolve(r *resolver.Resolver) Binder {
	return func(ctx context.Context, trigger resolver.Trigger) (*Env, error) {
		exec, err := r.Resolve(ctx, trigger)
		if err != nil {
			return nil, err
		}
		env := &Env{Workflow: exec.Workflow()}
		if g, ok := exec.Google(); ok {
			env.Sheets = g
			env.Mail = g
		}
		if s, ok := exec.Slack(); ok {
			env.Slack = s
		}
		return env, nil
	}
}

// Run is everything a template's logic receives.
type Run struct {
	ID      string
	Payload events.WorkflowPayload
	Input   map[string]any
	Env     *Env
	Step    durable.Step
	Logger  Logger
}

type logic func(ctx context.Context, run *Run) error

// Runner turns catalog templates into durable functions.
type Runner struct {
	catalog *catalog.Catalog
	bind    Binder
	logger  Logger
	logic   map[string]logic

	runs metric.Int64Counter
}

// New creates a Runner.
func New(cat *catalog.Catalog, bind Binder, logger Logger) *Runner {
	meter := otel.Meter("flowdeck/workflows")
	runs, _ := meter.Int64Counter("workflow.runs", metric.WithDescription("Workflow executions by template and outcome"))
	return &Runner{
		catalog: cat,
		bind:    bind,
		logger:  logger,
		runs:    runs,
		logic: map[string]logic{
			"daily-report":          dailyReport,
			"email-notification":    emailNotification,
			"advanced-data-sync":    dataSync,
			"slack-integration-pro": slackPost,
			"basic-scheduler":       basicScheduler,
		},
	}
}

// Functions returns one durable function per catalog template that has
// business logic.
func (r *Runner) Functions() []durable.Function {
	var fns []durable.Function
	for _, t := range r.catalog.All() {
		fn, ok := r.logic[t.ID]
		if !ok {
			r.logger.Warn("template has no business logic", "template_id", t.ID)
			continue
		}
		fns = append(fns, durable.Function{
			ID:      "workflow-" + t.ID,
			Trigger: t.EventName,
			Handler: r.handler(t, fn),
		})
	}
	return fns
}

func (r *Runner) handler(t *catalog.Template, fn logic) durable.Handler {
	return func(ctx context.Context, in durable.Input, step durable.Step) error {
		err := r.execute(ctx, t, fn, in, step)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("template", t.ID),
			attribute.String("outcome", outcome),
		))
		return err
	}
}

func (r *Runner) execute(ctx context.Context, t *catalog.Template, fn logic, in durable.Input, step durable.Step) error {
	var payload events.WorkflowPayload
	if err := in.Event.Decode(&payload); err != nil {
		return fault.Validation("malformed workflow event", fault.FieldError{Field: "data", Message: err.Error()})
	}
	if payload.OwnerUserID == "" {
		return fault.Validation("workflow event has no owner", fault.FieldError{Field: "ownerUserId", Message: "is required"})
	}
	if len(payload.Input) == 0 {
		return fault.Validation(fmt.Sprintf("%s input is required", t.Name), fault.FieldError{Field: "input", Message: "is required"})
	}
	input, err := t.ValidateInput(payload.Input)
	if err != nil {
		return err
	}

	r.logger.Info("workflow run started",
		"template_id", t.ID,
		"workflow_id", payload.WorkflowID,
		"owner_user_id", payload.OwnerUserID,
		"run_id", in.RunID,
		"scheduled", payload.ScheduledRun,
		"attempt", in.Attempt,
	)

	// Decrypted secrets are resolved on every attempt and never recorded.
	env, err := r.bind(ctx, resolver.Trigger{EventName: t.EventName, OwnerUserID: payload.OwnerUserID})
	if err != nil {
		return err
	}
	if env == nil {
		env = &Env{}
	}

	return fn(ctx, &Run{
		ID:      in.RunID,
		Payload: payload,
		Input:   input,
		Env:     env,
		Step:    step,
		Logger:  r.logger,
	})
}

// decodeInput converts validated input into the template's typed form.
func decodeInput[T any](input map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(input)
	if err != nil {
		return out, fault.Validation("invalid input", fault.FieldError{Field: "input", Message: err.Error()})
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fault.Validation("invalid input", fault.FieldError{Field: "input", Message: err.Error()})
	}
	return out, nil
}

func missingClient(provider models.Provider) error {
	return fault.Validation(
		fmt.Sprintf("workflow has no usable %s credential", provider),
		fault.FieldError{Field: "credentialIds", Message: fmt.Sprintf("link a %s credential", provider)},
	)
}
