// Package events names the events exchanged between the workflow registry,
// the schedule engine and the workflow functions, and defines their payloads.
package events

import (
	"time"

	"flowdeck/backend/internal/durable"
)

const (
	ScheduleStart  = "schedule.start"
	ScheduleStop   = "schedule.stop"
	ScheduleTicked = "schedule.ticked"

	UserCreated = "user.created"
	UserUpdated = "user.updated"
	UserDeleted = "user.deleted"
)

// ScheduleStartPayload arms a recurring schedule for one workflow.
type ScheduleStartPayload struct {
	WorkflowID     string         `json:"workflowId"`
	OwnerUserID    string         `json:"ownerUserId"`
	CronExpression string         `json:"cronExpression"`
	Timezone       string         `json:"timezone,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Generation     int64          `json:"generation"`
}

// ScheduleStopPayload cancels every waiting cycle of a workflow.
type ScheduleStopPayload struct {
	WorkflowID  string `json:"workflowId"`
	OwnerUserID string `json:"ownerUserId"`
}

// ScheduleTickedPayload reports a fire and the next planned fire.
type ScheduleTickedPayload struct {
	WorkflowID  string    `json:"workflowId"`
	OwnerUserID string    `json:"ownerUserId"`
	Generation  int64     `json:"generation"`
	FiredAt     time.Time `json:"firedAt"`
	NextRunAt   time.Time `json:"nextRunAt"`
}

// WorkflowPayload is carried by every workflow/<template> event.
type WorkflowPayload struct {
	WorkflowID     string         `json:"workflowId"`
	OwnerUserID    string         `json:"ownerUserId"`
	Input          map[string]any `json:"input,omitempty"`
	ScheduledRun   bool           `json:"scheduledRun"`
	CronExpression string         `json:"cronExpression,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Generation     int64          `json:"generation,omitempty"`
}

// SameWorkflow matches a waiting run against a stop event by workflow and
// owner. Undecodable payloads never match.
func SameWorkflow(trigger, incoming durable.Event) bool {
	var waiting, stop ScheduleStopPayload
	if trigger.Decode(&waiting) != nil || incoming.Decode(&stop) != nil {
		return false
	}
	return waiting.WorkflowID != "" &&
		waiting.WorkflowID == stop.WorkflowID &&
		waiting.OwnerUserID == stop.OwnerUserID
}
