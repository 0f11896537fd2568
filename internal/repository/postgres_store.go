package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdeck/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables used by PostgresStore if they do not exist.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// mapError turns driver errors into the package sentinels. Malformed ids are
// reported as not found.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "22P02", "23503":
			return ErrNotFound
		}
	}
	return err
}

// --- users ---

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id::text, external_id, email, created_at, updated_at FROM users WHERE external_id = $1`,
		externalID,
	).Scan(&u.ID, &u.ExternalID, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, external_id, email) VALUES ($1, $2, $3)
		 ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		 RETURNING id::text, created_at, updated_at`,
		user.ID, user.ExternalID, user.Email,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return mapError(err)
}

func (s *PostgresStore) UpdateUserEmail(ctx context.Context, externalID, email string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET email = $2, updated_at = now() WHERE external_id = $1`, externalID, email)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE external_id = $1`, externalID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- credentials ---

const credentialColumns = `id::text, owner_user_id::text, name, kind, provider, encrypted_secret, config, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	var kind, provider string
	if err := row.Scan(&c.ID, &c.OwnerUserID, &c.Name, &kind, &provider, &c.EncryptedSecret, &c.Config, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = models.CredentialKind(kind)
	c.Provider = models.Provider(provider)
	return &c, nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO credentials (id, owner_user_id, name, kind, provider, encrypted_secret, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		c.ID, c.OwnerUserID, c.Name, string(c.Kind), string(c.Provider), c.EncryptedSecret, c.Config,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetCredential(ctx context.Context, ownerUserID, id string) (*models.Credential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID))
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, ownerUserID string) ([]*models.Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_user_id = $1 ORDER BY created_at, id`, ownerUserID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var credentials []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, c)
	}
	return credentials, rows.Err()
}

func (s *PostgresStore) UpdateCredentialSecret(ctx context.Context, ownerUserID, id, encryptedSecret string) (*models.Credential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx,
		`UPDATE credentials SET encrypted_secret = $3, updated_at = now()
		 WHERE id = $1 AND owner_user_id = $2
		 RETURNING `+credentialColumns,
		id, ownerUserID, encryptedSecret))
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, ownerUserID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- workflows ---

const workflowColumns = `w.id::text, w.owner_user_id::text, w.template_id, w.name, w.description, w.enabled,
	w.is_active, w.can_be_scheduled, w.cron_expressions, w.timezone, w.input, w.event_name,
	w.required_providers, w.config, w.schedule_generation, w.last_run_at, w.next_run_at,
	w.created_at, w.updated_at,
	COALESCE((SELECT array_agg(wc.credential_id::text ORDER BY wc.position)
	          FROM workflow_credentials wc WHERE wc.workflow_id = w.id), '{}')`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var w models.Workflow
	var providers []string
	err := row.Scan(&w.ID, &w.OwnerUserID, &w.TemplateID, &w.Name, &w.Description, &w.Enabled,
		&w.IsActive, &w.CanBeScheduled, &w.CronExpressions, &w.Timezone, &w.Input, &w.EventName,
		&providers, &w.Config, &w.ScheduleGeneration, &w.LastRunAt, &w.NextRunAt,
		&w.CreatedAt, &w.UpdatedAt, &w.CredentialIDs)
	if err != nil {
		return nil, err
	}
	w.RequiredProviders = make([]models.Provider, len(providers))
	for i, p := range providers {
		w.RequiredProviders[i] = models.Provider(p)
	}
	return &w, nil
}

func providerStrings(providers []models.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = string(p)
	}
	return out
}

const insertWorkflowSQL = `INSERT INTO workflows (id, owner_user_id, template_id, name, description, enabled,
	is_active, can_be_scheduled, cron_expressions, timezone, input, event_name, required_providers, config)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func insertWorkflowArgs(w *models.Workflow) []any {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CronExpressions == nil {
		w.CronExpressions = []string{}
	}
	if w.Input == nil {
		w.Input = map[string]any{}
	}
	return []any{w.ID, w.OwnerUserID, w.TemplateID, w.Name, w.Description, w.Enabled,
		w.IsActive, w.CanBeScheduled, w.CronExpressions, w.Timezone, w.Input, w.EventName,
		providerStrings(w.RequiredProviders), w.Config}
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	err := s.db.QueryRow(ctx, insertWorkflowSQL+` RETURNING created_at, updated_at`, insertWorkflowArgs(w)...).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	return mapError(err)
}

func (s *PostgresStore) CreateWorkflows(ctx context.Context, workflows []*models.Workflow) (int, error) {
	batch := &pgx.Batch{}
	for _, w := range workflows {
		batch.Queue(insertWorkflowSQL+` ON CONFLICT (owner_user_id, template_id) DO NOTHING`, insertWorkflowArgs(w)...)
	}
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for range workflows {
		tag, err := results.Exec()
		if err != nil {
			return created, mapError(err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, ownerUserID, id string) (*models.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows w WHERE w.id = $1 AND w.owner_user_id = $2`, id, ownerUserID))
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (s *PostgresStore) FindWorkflowByTemplate(ctx context.Context, ownerUserID, templateID string) (*models.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows w WHERE w.owner_user_id = $1 AND w.template_id = $2`,
		ownerUserID, templateID))
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (s *PostgresStore) FindWorkflowByEvent(ctx context.Context, ownerUserID, eventName string) (*models.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows w WHERE w.owner_user_id = $1 AND w.event_name = $2
		 ORDER BY w.created_at LIMIT 1`,
		ownerUserID, eventName))
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, ownerUserID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows w WHERE w.owner_user_id = $1 ORDER BY w.created_at, w.id`, ownerUserID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) ListActiveWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows w WHERE w.is_active ORDER BY w.created_at, w.id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) PatchWorkflow(ctx context.Context, ownerUserID, id string, patch WorkflowPatch) error {
	var input any
	if patch.Input != nil {
		input = patch.Input
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET name = COALESCE($3, name), description = COALESCE($4, description),
			enabled = COALESCE($5, enabled), input = COALESCE($6::jsonb, input), updated_at = now()
		 WHERE id = $1 AND owner_user_id = $2`,
		id, ownerUserID, patch.Name, patch.Description, patch.Enabled, input)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ArmWorkflowSchedule(ctx context.Context, w *models.Workflow) error {
	if w.CronExpressions == nil {
		w.CronExpressions = []string{}
	}
	if w.Input == nil {
		w.Input = map[string]any{}
	}
	err := s.db.QueryRow(ctx,
		`UPDATE workflows SET cron_expressions = $3, timezone = $4, input = $5, next_run_at = $6,
			enabled = true, is_active = true, schedule_generation = schedule_generation + 1, updated_at = now()
		 WHERE id = $1 AND owner_user_id = $2
		 RETURNING schedule_generation, updated_at`,
		w.ID, w.OwnerUserID, w.CronExpressions, w.Timezone, w.Input, w.NextRunAt,
	).Scan(&w.ScheduleGeneration, &w.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	w.Enabled = true
	w.IsActive = true
	return nil
}

func (s *PostgresStore) DisarmWorkflowSchedule(ctx context.Context, ownerUserID, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET enabled = false, is_active = false, next_run_at = NULL, updated_at = now()
		 WHERE id = $1 AND owner_user_id = $2`,
		id, ownerUserID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, ownerUserID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string, credentialIDs []string) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1 AND owner_user_id = $2)`,
			workflowID, ownerUserID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_credentials WHERE workflow_id = $1`, workflowID); err != nil {
			return err
		}
		for position, credentialID := range dedupe(credentialIDs) {
			tag, err := tx.Exec(ctx,
				`INSERT INTO workflow_credentials (workflow_id, credential_id, position)
				 SELECT $1, c.id, $3 FROM credentials c WHERE c.id = $2 AND c.owner_user_id = $4
				 ON CONFLICT DO NOTHING`,
				workflowID, credentialID, position, ownerUserID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return mapError(err)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *PostgresStore) ListWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string) ([]*models.Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT c.id::text, c.owner_user_id::text, c.name, c.kind, c.provider, c.encrypted_secret, c.config, c.created_at, c.updated_at
		 FROM workflow_credentials wc
		 JOIN credentials c ON c.id = wc.credential_id
		 JOIN workflows w ON w.id = wc.workflow_id
		 WHERE wc.workflow_id = $1 AND w.owner_user_id = $2 AND c.owner_user_id = $2
		 ORDER BY wc.position`,
		workflowID, ownerUserID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var credentials []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, c)
	}
	return credentials, rows.Err()
}

func (s *PostgresStore) RecordScheduleTick(ctx context.Context, ownerUserID, workflowID string, lastRunAt, nextRunAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET last_run_at = $3, next_run_at = $4, updated_at = now()
		 WHERE id = $1 AND owner_user_id = $2`,
		workflowID, ownerUserID, lastRunAt, nextRunAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
