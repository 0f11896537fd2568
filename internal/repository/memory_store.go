package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowdeck/backend/pkg/models"
)

// MemoryStore is an in-process Repository. It backs dev mode when no
// database is configured and the service tests.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*models.User // by external id
	credentials map[string]*models.Credential
	workflows   map[string]*models.Workflow
	links       map[string][]string // workflow id -> credential ids
	seq         int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*models.User),
		credentials: make(map[string]*models.Credential),
		workflows:   make(map[string]*models.Workflow),
		links:       make(map[string][]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// now returns strictly increasing timestamps so list ordering is stable.
func (s *MemoryStore) now() time.Time {
	s.seq++
	return time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
}

func (s *MemoryStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[user.ExternalID]; ok {
		*user = *existing
		return nil
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = s.now()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	s.users[user.ExternalID] = &clone
	return nil
}

func (s *MemoryStore) UpdateUserEmail(ctx context.Context, externalID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[externalID]
	if !ok {
		return ErrNotFound
	}
	u.Email = email
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[externalID]
	if !ok {
		return ErrNotFound
	}
	delete(s.users, externalID)
	for id, c := range s.credentials {
		if c.OwnerUserID == u.ID {
			s.deleteCredentialLocked(id)
		}
	}
	for id, w := range s.workflows {
		if w.OwnerUserID == u.ID {
			delete(s.workflows, id)
			delete(s.links, id)
		}
	}
	return nil
}

func (s *MemoryStore) CreateCredential(ctx context.Context, c *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, ok := s.credentials[c.ID]; ok {
		return ErrDuplicate
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	clone := *c
	s.credentials[c.ID] = &clone
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, ownerUserID, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok || c.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) ListCredentials(ctx context.Context, ownerUserID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Credential
	for _, c := range s.credentials {
		if c.OwnerUserID == ownerUserID {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateCredentialSecret(ctx context.Context, ownerUserID, id, encryptedSecret string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok || c.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	c.EncryptedSecret = encryptedSecret
	c.UpdatedAt = s.now()
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) DeleteCredential(ctx context.Context, ownerUserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok || c.OwnerUserID != ownerUserID {
		return ErrNotFound
	}
	s.deleteCredentialLocked(id)
	return nil
}

func (s *MemoryStore) deleteCredentialLocked(id string) {
	delete(s.credentials, id)
	for wfID, ids := range s.links {
		kept := ids[:0:0]
		for _, linked := range ids {
			if linked != id {
				kept = append(kept, linked)
			}
		}
		s.links[wfID] = kept
	}
}

func (s *MemoryStore) cloneWorkflowLocked(w *models.Workflow) *models.Workflow {
	clone := *w
	clone.CronExpressions = append([]string{}, w.CronExpressions...)
	clone.RequiredProviders = append([]models.Provider{}, w.RequiredProviders...)
	clone.CredentialIDs = append([]string{}, s.links[w.ID]...)
	if w.Input != nil {
		clone.Input = make(map[string]any, len(w.Input))
		for k, v := range w.Input {
			clone.Input[k] = v
		}
	}
	return &clone
}

func (s *MemoryStore) insertWorkflowLocked(w *models.Workflow) bool {
	for _, existing := range s.workflows {
		if existing.OwnerUserID == w.OwnerUserID && existing.TemplateID == w.TemplateID {
			return false
		}
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CronExpressions == nil {
		w.CronExpressions = []string{}
	}
	if w.Input == nil {
		w.Input = map[string]any{}
	}
	w.CreatedAt = s.now()
	w.UpdatedAt = w.CreatedAt
	w.CredentialIDs = []string{}
	s.workflows[w.ID] = s.cloneWorkflowLocked(w)
	return true
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insertWorkflowLocked(w) {
		return ErrDuplicate
	}
	return nil
}

func (s *MemoryStore) CreateWorkflows(ctx context.Context, workflows []*models.Workflow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, w := range workflows {
		if s.insertWorkflowLocked(w) {
			created++
		}
	}
	return created, nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, ownerUserID, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok || w.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	return s.cloneWorkflowLocked(w), nil
}

func (s *MemoryStore) findLocked(match func(*models.Workflow) bool) (*models.Workflow, error) {
	var found *models.Workflow
	for _, w := range s.workflows {
		if match(w) && (found == nil || w.CreatedAt.Before(found.CreatedAt)) {
			found = w
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return s.cloneWorkflowLocked(found), nil
}

func (s *MemoryStore) FindWorkflowByTemplate(ctx context.Context, ownerUserID, templateID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(func(w *models.Workflow) bool {
		return w.OwnerUserID == ownerUserID && w.TemplateID == templateID
	})
}

func (s *MemoryStore) FindWorkflowByEvent(ctx context.Context, ownerUserID, eventName string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(func(w *models.Workflow) bool {
		return w.OwnerUserID == ownerUserID && w.EventName == eventName
	})
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, ownerUserID string) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.OwnerUserID == ownerUserID {
			out = append(out, s.cloneWorkflowLocked(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.IsActive {
			out = append(out, s.cloneWorkflowLocked(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ownedLocked(ownerUserID, id string) (*models.Workflow, error) {
	w, ok := s.workflows[id]
	if !ok || w.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	return w, nil
}

func (s *MemoryStore) PatchWorkflow(ctx context.Context, ownerUserID, id string, patch WorkflowPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.ownedLocked(ownerUserID, id)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.Description != nil {
		w.Description = *patch.Description
	}
	if patch.Enabled != nil {
		w.Enabled = *patch.Enabled
	}
	if patch.Input != nil {
		w.Input = patch.Input
	}
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ArmWorkflowSchedule(ctx context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.ownedLocked(w.OwnerUserID, w.ID)
	if err != nil {
		return err
	}
	existing.CronExpressions = append([]string{}, w.CronExpressions...)
	existing.Timezone = w.Timezone
	existing.Input = w.Input
	existing.Enabled = true
	existing.IsActive = true
	existing.ScheduleGeneration++
	existing.NextRunAt = w.NextRunAt
	existing.UpdatedAt = s.now()

	w.Enabled = true
	w.IsActive = true
	w.ScheduleGeneration = existing.ScheduleGeneration
	w.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *MemoryStore) DisarmWorkflowSchedule(ctx context.Context, ownerUserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.ownedLocked(ownerUserID, id)
	if err != nil {
		return err
	}
	w.Enabled = false
	w.IsActive = false
	w.NextRunAt = nil
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, ownerUserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.OwnerUserID != ownerUserID {
		return ErrNotFound
	}
	delete(s.workflows, id)
	delete(s.links, id)
	return nil
}

func (s *MemoryStore) SetWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string, credentialIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok || w.OwnerUserID != ownerUserID {
		return ErrNotFound
	}
	var ids []string
	seen := make(map[string]bool)
	for _, id := range credentialIDs {
		c, ok := s.credentials[id]
		if !ok || c.OwnerUserID != ownerUserID {
			return ErrNotFound
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	s.links[workflowID] = ids
	return nil
}

func (s *MemoryStore) ListWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[workflowID]
	if !ok || w.OwnerUserID != ownerUserID {
		return nil, nil
	}
	var out []*models.Credential
	for _, id := range s.links[workflowID] {
		if c, ok := s.credentials[id]; ok {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordScheduleTick(ctx context.Context, ownerUserID, workflowID string, lastRunAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok || w.OwnerUserID != ownerUserID {
		return ErrNotFound
	}
	last, next := lastRunAt, nextRunAt
	w.LastRunAt = &last
	w.NextRunAt = &next
	w.UpdatedAt = s.now()
	return nil
}
