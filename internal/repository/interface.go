package repository

import (
	"context"
	"errors"
	"time"

	"flowdeck/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist or is not owned by
	// the requesting user. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("repository: duplicate")
)

// UserStore persists internal users keyed by their identity-provider id.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	// CreateUser inserts the user, or returns the existing row for the same
	// external id.
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUserEmail(ctx context.Context, externalID, email string) error
	// DeleteUserByExternalID removes the user and, by cascade, everything it owns.
	DeleteUserByExternalID(ctx context.Context, externalID string) error
}

// CredentialStore persists encrypted credentials. Every lookup takes the
// owner as part of the predicate.
type CredentialStore interface {
	CreateCredential(ctx context.Context, credential *models.Credential) error
	GetCredential(ctx context.Context, ownerUserID, id string) (*models.Credential, error)
	ListCredentials(ctx context.Context, ownerUserID string) ([]*models.Credential, error)
	// UpdateCredentialSecret replaces the ciphertext; id and owner are stable.
	UpdateCredentialSecret(ctx context.Context, ownerUserID, id, encryptedSecret string) (*models.Credential, error)
	DeleteCredential(ctx context.Context, ownerUserID, id string) error
}

// WorkflowPatch carries user edits. Nil fields are left unchanged.
type WorkflowPatch struct {
	Name        *string
	Description *string
	Enabled     *bool
	Input       map[string]any
}

// WorkflowStore persists installed workflow instances and their linked
// credentials.
type WorkflowStore interface {
	// CreateWorkflow returns ErrDuplicate when the owner already has the template installed.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	// CreateWorkflows inserts all rows, skipping duplicates, and returns how many were created.
	CreateWorkflows(ctx context.Context, workflows []*models.Workflow) (int, error)
	GetWorkflow(ctx context.Context, ownerUserID, id string) (*models.Workflow, error)
	FindWorkflowByTemplate(ctx context.Context, ownerUserID, templateID string) (*models.Workflow, error)
	FindWorkflowByEvent(ctx context.Context, ownerUserID, eventName string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, ownerUserID string) ([]*models.Workflow, error)
	// ListActiveWorkflows returns every workflow with an armed schedule, across owners.
	ListActiveWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// PatchWorkflow writes the user-editable columns only. Schedule state is
	// never touched, so a concurrent arm or tick is not overwritten.
	PatchWorkflow(ctx context.Context, ownerUserID, id string, patch WorkflowPatch) error
	// ArmWorkflowSchedule stores the schedule, marks the workflow enabled and
	// active and increments schedule_generation in the same statement. The
	// new generation is written back to workflow.
	ArmWorkflowSchedule(ctx context.Context, workflow *models.Workflow) error
	// DisarmWorkflowSchedule marks the workflow disabled and inactive and
	// clears next_run_at. The generation is kept.
	DisarmWorkflowSchedule(ctx context.Context, ownerUserID, id string) error
	DeleteWorkflow(ctx context.Context, ownerUserID, id string) error
	// SetWorkflowCredentials replaces the link table rows, keeping the given order.
	SetWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string, credentialIDs []string) error
	// ListWorkflowCredentials returns linked credentials in link order.
	ListWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string) ([]*models.Credential, error)
	RecordScheduleTick(ctx context.Context, ownerUserID, workflowID string, lastRunAt, nextRunAt time.Time) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	UserStore
	CredentialStore
	WorkflowStore
	Ping(ctx context.Context) error
}
