package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/events"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/repository"
)

func TestEnsureUser_ProvisionsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.users.EnsureUser(ctx, "idp|123", "a@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	list, err := h.svc.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3, "free templates are installed for new users")

	again, err := h.users.EnsureUser(ctx, "idp|123", "ignored@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	_, err = h.users.EnsureUser(ctx, "", "")
	assert.True(t, fault.Is(err, fault.CodeValidation))
}

func TestHandleIdentityEvent_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: events.UserCreated, ExternalID: "idp|9", Email: "old@example.com"}))
	u, err := h.store.GetUserByExternalID(ctx, "idp|9")
	require.NoError(t, err)
	list, err := h.svc.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: events.UserUpdated, ExternalID: "idp|9", Email: "new@example.com"}))
	u, err = h.store.GetUserByExternalID(ctx, "idp|9")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)

	var scheduler string
	for _, w := range list {
		if w.TemplateID == "basic-scheduler" {
			scheduler = w.ID
		}
	}
	_, err = h.svc.SetSchedule(ctx, u.ID, scheduler, ScheduleRequest{
		CronExpressions: []string{"0 9 * * *"},
		Input:           map[string]any{"taskName": "t"},
	})
	require.NoError(t, err)
	h.waitFor(t, func() bool { return h.cycles(durable.RunStatusSleeping) == 1 })

	require.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: events.UserDeleted, ExternalID: "idp|9"}))
	_, err = h.store.GetUserByExternalID(ctx, "idp|9")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	list, err = h.svc.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	h.waitFor(t, func() bool { return h.cycles(durable.RunStatusCancelled) == 1 })

	// Replays and unknown types are accepted.
	assert.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: events.UserDeleted, ExternalID: "idp|9"}))
	assert.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: "session.created", ExternalID: "idp|9"}))
}

func TestHandleIdentityEvent_UpdateBeforeCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.users.HandleIdentityEvent(ctx, IdentityEvent{Type: events.UserUpdated, ExternalID: "idp|late", Email: "late@example.com"}))
	u, err := h.store.GetUserByExternalID(ctx, "idp|late")
	require.NoError(t, err)
	assert.Equal(t, "late@example.com", u.Email)
}
