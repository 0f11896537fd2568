package services

import (
	"context"
	"errors"
	"fmt"

	"flowdeck/backend/internal/events"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/pkg/models"
)

// IdentityEvent is a user lifecycle notification from the identity provider.
type IdentityEvent struct {
	Type       string
	ExternalID string
	Email      string
}

// UserService maps identity-provider subjects to internal users.
type UserService struct {
	store     repository.UserStore
	workflows *WorkflowService
	logger    Logger
}

func NewUserService(store repository.UserStore, workflows *WorkflowService, logger Logger) *UserService {
	return &UserService{store: store, workflows: workflows, logger: logger}
}

// EnsureUser returns the internal user for externalID, creating it and
// installing the default workflows on first sight.
func (s *UserService) EnsureUser(ctx context.Context, externalID, email string) (*models.User, error) {
	if externalID == "" {
		return nil, fault.Validation("external id is required", fault.FieldError{Field: "externalId", Message: "is required"})
	}
	u, err := s.store.GetUserByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	u = &models.User{ExternalID: externalID, Email: email}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user provisioned", "user_id", u.ID, "external_id", externalID)

	if _, err := s.workflows.InstallDefaults(ctx, u.ID); err != nil {
		// The user exists; defaults are retried on the next provisioning event.
		s.logger.Error("failed to install default workflows", "user_id", u.ID, "error", err)
	}
	return u, nil
}

// HandleIdentityEvent applies a lifecycle event. Events for unknown users
// and unknown event types are accepted and ignored.
func (s *UserService) HandleIdentityEvent(ctx context.Context, ev IdentityEvent) error {
	switch ev.Type {
	case events.UserCreated:
		u, err := s.EnsureUser(ctx, ev.ExternalID, ev.Email)
		if err != nil {
			return err
		}
		_, err = s.workflows.InstallDefaults(ctx, u.ID)
		return err

	case events.UserUpdated:
		err := s.store.UpdateUserEmail(ctx, ev.ExternalID, ev.Email)
		if errors.Is(err, repository.ErrNotFound) {
			_, err = s.EnsureUser(ctx, ev.ExternalID, ev.Email)
		}
		return err

	case events.UserDeleted:
		u, err := s.store.GetUserByExternalID(ctx, ev.ExternalID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up user: %w", err)
		}
		if err := s.workflows.StopAll(ctx, u.ID); err != nil {
			return err
		}
		err = s.store.DeleteUserByExternalID(ctx, ev.ExternalID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		s.logger.Info("user deleted", "user_id", u.ID, "external_id", ev.ExternalID)
		return nil

	default:
		s.logger.Warn("ignoring identity event", "type", ev.Type)
		return nil
	}
}
