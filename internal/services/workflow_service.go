// Package services implements the workflow instance registry and the user
// lifecycle on top of the repository, the template catalog and the durable
// runtime.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/events"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/internal/schedule"
	"flowdeck/backend/pkg/models"
)

// TickFunctionID identifies the function that records schedule fires.
const TickFunctionID = "record-schedule-tick"

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dispatcher emits events to the durable runtime.
type Dispatcher interface {
	Send(ctx context.Context, events ...durable.Event) error
	Handles(eventName string) bool
}

// WorkflowService is the registry of installed workflow instances.
type WorkflowService struct {
	store    repository.WorkflowStore
	catalog  *catalog.Catalog
	dispatch Dispatcher
	clock    durable.Clock
	logger   Logger
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(store repository.WorkflowStore, cat *catalog.Catalog, dispatch Dispatcher, clock durable.Clock, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:    store,
		catalog:  cat,
		dispatch: dispatch,
		clock:    clock,
		logger:   logger,
	}
}

// UpdateRequest carries the mutable fields of a workflow. Nil fields are
// left unchanged.
type UpdateRequest struct {
	Name          *string
	Description   *string
	Enabled       *bool
	Input         map[string]any
	CredentialIDs []string
}

// ScheduleRequest arms a schedule. Nil fields fall back to what the
// workflow already stores.
type ScheduleRequest struct {
	CronExpressions []string
	Timezone        *string
	Input           map[string]any
}

// MarketplaceItem is a template annotated for one user.
type MarketplaceItem struct {
	*catalog.Template
	IsInstalled bool `json:"isInstalled"`
	CanInstall  bool `json:"canInstall"`
}

type MarketplacePage struct {
	Items      []MarketplaceItem  `json:"items"`
	Pagination catalog.Pagination `json:"pagination"`
}

// Marketplace lists the templates available to userID, marking the ones
// already installed.
func (s *WorkflowService) Marketplace(ctx context.Context, f catalog.Filters, page, limit int) (*MarketplacePage, error) {
	installed, err := s.store.ListWorkflows(ctx, f.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	have := make(map[string]bool, len(installed))
	for _, w := range installed {
		have[w.TemplateID] = true
	}

	result := s.catalog.Query(f, page, limit)
	out := &MarketplacePage{Items: make([]MarketplaceItem, 0, len(result.Items)), Pagination: result.Pagination}
	for _, t := range result.Items {
		out.Items = append(out.Items, MarketplaceItem{Template: t, IsInstalled: have[t.ID], CanInstall: !have[t.ID]})
	}
	return out, nil
}

// Install creates a disabled instance of templateID for userID.
func (s *WorkflowService) Install(ctx context.Context, userID, templateID, name string) (*models.Workflow, error) {
	t, ok := s.catalog.Get(templateID)
	if !ok || !t.AvailableTo(userID) {
		return nil, fault.NotFound(fmt.Sprintf("template %q not found", templateID))
	}

	existing, err := s.store.FindWorkflowByTemplate(ctx, userID, templateID)
	switch {
	case err == nil:
		return nil, fault.Conflict("template is already installed").
			WithDetails(map[string]any{"existingWorkflowId": existing.ID})
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to look up installed template: %w", err)
	}

	w := instance(t, userID, name)
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fault.Conflict("template is already installed")
		}
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	s.logger.Info("workflow installed", "workflow_id", w.ID, "owner_user_id", userID, "template_id", templateID)
	return w, nil
}

// InstallDefaults installs every free template available to userID,
// skipping the ones already installed. It returns how many were created.
func (s *WorkflowService) InstallDefaults(ctx context.Context, userID string) (int, error) {
	defaults := s.catalog.Defaults(userID)
	rows := make([]*models.Workflow, 0, len(defaults))
	for _, t := range defaults {
		rows = append(rows, instance(t, userID, ""))
	}
	created, err := s.store.CreateWorkflows(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to install default workflows: %w", err)
	}
	s.logger.Info("default workflows installed", "owner_user_id", userID, "created", created)
	return created, nil
}

func instance(t *catalog.Template, userID, name string) *models.Workflow {
	if strings.TrimSpace(name) == "" {
		name = t.Name
	}
	return &models.Workflow{
		OwnerUserID:       userID,
		TemplateID:        t.ID,
		Name:              name,
		Description:       t.Description,
		CanBeScheduled:    t.CanBeScheduled,
		CronExpressions:   []string{},
		Timezone:          schedule.DefaultTimezone,
		Input:             t.DefaultInput(),
		EventName:         t.EventName,
		RequiredProviders: t.RequiredProviders,
		Config: map[string]any{
			"type":     t.Type,
			"pricing":  t.Pricing,
			"category": t.Category,
			"tags":     t.Tags,
			"version":  t.Version,
		},
	}
}

func (s *WorkflowService) List(ctx context.Context, userID string) ([]*models.Workflow, error) {
	workflows, err := s.store.ListWorkflows(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

func (s *WorkflowService) Get(ctx context.Context, userID, id string) (*models.Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, userID, id)
	if err != nil {
		return nil, notFound(err, "workflow")
	}
	return w, nil
}

// Credentials returns the credentials linked to a workflow, in link order.
func (s *WorkflowService) Credentials(ctx context.Context, userID, id string) ([]*models.CredentialMetadata, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	linked, err := s.store.ListWorkflowCredentials(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked credentials: %w", err)
	}
	out := make([]*models.CredentialMetadata, 0, len(linked))
	for _, c := range linked {
		out = append(out, c.Metadata())
	}
	return out, nil
}

// Update changes name, description, enabled flag, input and linked
// credentials. Disabling a scheduled workflow also stops its schedule.
// Schedule state is written only by SetSchedule and StopSchedule.
func (s *WorkflowService) Update(ctx context.Context, userID, id string, req UpdateRequest) (*models.Workflow, error) {
	w, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var patch repository.WorkflowPatch
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fault.Validation("name is required", fault.FieldError{Field: "name", Message: "must not be empty"})
		}
		patch.Name = &name
	}
	patch.Description = req.Description
	if req.Input != nil {
		input, err := s.validateInput(w, req.Input)
		if err != nil {
			return nil, err
		}
		patch.Input = input
	}
	if req.CredentialIDs != nil {
		if err := s.store.SetWorkflowCredentials(ctx, userID, id, req.CredentialIDs); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fault.NotFound("credential not found")
			}
			return nil, fmt.Errorf("failed to link credentials: %w", err)
		}
	}
	patch.Enabled = req.Enabled

	if err := s.store.PatchWorkflow(ctx, userID, id, patch); err != nil {
		return nil, notFound(err, "workflow")
	}
	if req.Enabled != nil && !*req.Enabled && w.IsActive {
		if err := s.sendStop(ctx, w); err != nil {
			return nil, err
		}
		if err := s.store.DisarmWorkflowSchedule(ctx, userID, id); err != nil {
			return nil, notFound(err, "workflow")
		}
	}
	return s.Get(ctx, userID, id)
}

// Delete stops any schedule of the workflow and removes it.
func (s *WorkflowService) Delete(ctx context.Context, userID, id string) error {
	w, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.sendStop(ctx, w); err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, userID, id); err != nil {
		return notFound(err, "workflow")
	}
	s.logger.Info("workflow deleted", "workflow_id", id, "owner_user_id", userID)
	return nil
}

// SetSchedule validates the schedule and input, supersedes any waiting
// cycle and arms a new one. The new generation is persisted before the
// schedule.start event is emitted so the cycle never observes a stale row.
func (s *WorkflowService) SetSchedule(ctx context.Context, userID, id string, req ScheduleRequest) (*models.Workflow, error) {
	w, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	crons := w.CronExpressions
	if req.CronExpressions != nil {
		crons = make([]string, 0, len(req.CronExpressions))
		for _, c := range req.CronExpressions {
			crons = append(crons, strings.TrimSpace(c))
		}
	}
	timezone := w.Timezone
	if req.Timezone != nil {
		timezone = strings.TrimSpace(*req.Timezone)
	}
	if timezone == "" {
		timezone = schedule.DefaultTimezone
	}
	input := w.Input
	if req.Input != nil {
		input = req.Input
	}

	if err := schedule.CheckSchedulable(w.CanBeScheduled, crons, timezone); err != nil {
		return nil, err
	}
	validated, err := s.validateInput(w, input)
	if err != nil {
		return nil, err
	}
	if !s.dispatch.Handles(w.EventName) {
		s.logger.Error("no function registered for workflow event", "workflow_id", id, "event", w.EventName)
		return nil, fault.UnknownEvent(w.EventName)
	}
	nextRun, err := schedule.NextFireTime(crons[0], timezone, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := s.sendStop(ctx, w); err != nil {
		return nil, err
	}

	w.CronExpressions = crons
	w.Timezone = timezone
	w.Input = validated
	w.NextRunAt = &nextRun
	if err := s.store.ArmWorkflowSchedule(ctx, w); err != nil {
		return nil, notFound(err, "workflow")
	}

	if err := s.sendStart(ctx, w); err != nil {
		return nil, err
	}

	s.logger.Info("workflow scheduled",
		"workflow_id", w.ID,
		"owner_user_id", userID,
		"cron", crons[0],
		"timezone", timezone,
		"generation", w.ScheduleGeneration,
		"next_fire", nextRun,
	)
	return w, nil
}

// StopSchedule cancels the waiting cycle of the workflow and marks it
// disabled and inactive.
func (s *WorkflowService) StopSchedule(ctx context.Context, userID, id string) (*models.Workflow, error) {
	w, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.sendStop(ctx, w); err != nil {
		return nil, err
	}
	if err := s.store.DisarmWorkflowSchedule(ctx, userID, id); err != nil {
		return nil, notFound(err, "workflow")
	}
	w.Enabled = false
	w.IsActive = false
	w.NextRunAt = nil
	s.logger.Info("workflow schedule stopped", "workflow_id", id, "owner_user_id", userID)
	return w, nil
}

// RunOnce emits the workflow's event immediately, outside any schedule. It
// returns the id of the emitted event.
func (s *WorkflowService) RunOnce(ctx context.Context, userID, id string, input map[string]any) (string, error) {
	w, err := s.Get(ctx, userID, id)
	if err != nil {
		return "", err
	}
	if !s.dispatch.Handles(w.EventName) {
		s.logger.Error("no function registered for workflow event", "workflow_id", id, "event", w.EventName)
		return "", fault.UnknownEvent(w.EventName)
	}
	if input == nil {
		input = w.Input
	}
	validated, err := s.validateInput(w, input)
	if err != nil {
		return "", err
	}

	ev, err := durable.NewEvent(w.EventName, events.WorkflowPayload{
		WorkflowID:   w.ID,
		OwnerUserID:  userID,
		Input:        validated,
		ScheduledRun: false,
		Timezone:     w.Timezone,
	})
	if err != nil {
		return "", fault.Permanent("failed to build workflow event", err)
	}
	if err := s.dispatch.Send(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to trigger workflow: %w", err)
	}
	s.logger.Info("workflow triggered", "workflow_id", w.ID, "owner_user_id", userID, "event", w.EventName, "event_id", ev.ID)
	return ev.ID, nil
}

// StopAll stops every active schedule of userID. Used before the user is
// deleted.
func (s *WorkflowService) StopAll(ctx context.Context, userID string) error {
	workflows, err := s.store.ListWorkflows(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, w := range workflows {
		if !w.IsActive {
			continue
		}
		if err := s.sendStop(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// ResumeSchedules re-arms every active schedule on a freshly started
// runtime. Each cycle carries the stored generation, so it remains the
// current one. Rows that can no longer be armed are skipped and logged.
func (s *WorkflowService) ResumeSchedules(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}
	resumed := 0
	for _, w := range active {
		if err := schedule.CheckSchedulable(w.CanBeScheduled, w.CronExpressions, w.Timezone); err != nil {
			s.logger.Warn("not resuming schedule", "workflow_id", w.ID, "owner_user_id", w.OwnerUserID, "error", err)
			continue
		}
		if !s.dispatch.Handles(w.EventName) {
			s.logger.Error("no function registered for workflow event", "workflow_id", w.ID, "event", w.EventName)
			continue
		}
		if err := s.sendStart(ctx, w); err != nil {
			return resumed, err
		}
		resumed++
	}
	s.logger.Info("schedules resumed", "count", resumed)
	return resumed, nil
}

// Functions returns the durable functions the registry contributes.
func (s *WorkflowService) Functions() []durable.Function {
	return []durable.Function{{
		ID:      TickFunctionID,
		Trigger: events.ScheduleTicked,
		Handler: s.recordTick,
	}}
}

// recordTick stores lastRunAt and nextRunAt for the current generation.
// Ticks from a superseded generation are ignored.
func (s *WorkflowService) recordTick(ctx context.Context, in durable.Input, step durable.Step) error {
	var p events.ScheduleTickedPayload
	if err := in.Event.Decode(&p); err != nil {
		return fault.Permanent("malformed schedule.ticked payload", err)
	}
	w, err := s.store.GetWorkflow(ctx, p.OwnerUserID, p.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", p.WorkflowID, err)
	}
	if w.ScheduleGeneration != p.Generation {
		s.logger.Info("ignoring tick from superseded schedule", "workflow_id", p.WorkflowID, "generation", p.Generation)
		return nil
	}
	err = s.store.RecordScheduleTick(ctx, p.OwnerUserID, p.WorkflowID, p.FiredAt, p.NextRunAt)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (s *WorkflowService) sendStart(ctx context.Context, w *models.Workflow) error {
	start, err := durable.NewEvent(events.ScheduleStart, events.ScheduleStartPayload{
		WorkflowID:     w.ID,
		OwnerUserID:    w.OwnerUserID,
		CronExpression: w.CronExpressions[0],
		Timezone:       w.Timezone,
		Input:          w.Input,
		Generation:     w.ScheduleGeneration,
	})
	if err != nil {
		return fault.Permanent("failed to build schedule.start event", err)
	}
	if err := s.dispatch.Send(ctx, start); err != nil {
		return fmt.Errorf("failed to arm schedule: %w", err)
	}
	return nil
}

func (s *WorkflowService) sendStop(ctx context.Context, w *models.Workflow) error {
	stop, err := durable.NewEvent(events.ScheduleStop, events.ScheduleStopPayload{
		WorkflowID:  w.ID,
		OwnerUserID: w.OwnerUserID,
	})
	if err != nil {
		return fault.Permanent("failed to build schedule.stop event", err)
	}
	if err := s.dispatch.Send(ctx, stop); err != nil {
		return fmt.Errorf("failed to stop schedule: %w", err)
	}
	return nil
}

func (s *WorkflowService) validateInput(w *models.Workflow, input map[string]any) (map[string]any, error) {
	t, ok := s.catalog.Get(w.TemplateID)
	if !ok {
		return nil, fault.Permanent(fmt.Sprintf("workflow %s references unknown template %q", w.ID, w.TemplateID), nil)
	}
	return t.ValidateInput(input)
}

func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fault.NotFound(what + " not found")
	}
	return fmt.Errorf("%s store: %w", what, err)
}
