package models

import (
	"time"
)

// Workflow is a user's installed copy of a catalog template.
//
// Enabled means the user wants the workflow usable; IsActive means a
// recurring schedule is currently armed for it. ScheduleGeneration is bumped
// every time a schedule is (re)armed so that an older waiting cycle can
// recognise it has been superseded.
type Workflow struct {
	ID                 string         `json:"id"`
	OwnerUserID        string         `json:"owner_user_id"`
	TemplateID         string         `json:"template_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Enabled            bool           `json:"enabled"`
	IsActive           bool           `json:"is_active"`
	CanBeScheduled     bool           `json:"can_be_scheduled"`
	CronExpressions    []string       `json:"cron_expressions"`
	Timezone           string         `json:"timezone"`
	Input              map[string]any `json:"input"`
	EventName          string         `json:"event_name"`
	RequiredProviders  []Provider     `json:"required_providers"`
	CredentialIDs      []string       `json:"credential_ids"`
	Config             map[string]any `json:"config,omitempty"`
	ScheduleGeneration int64          `json:"schedule_generation"`
	LastRunAt          *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt          *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
