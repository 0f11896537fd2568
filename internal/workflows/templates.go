package workflows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

// DataRange is the range read from a spreadsheet when a template does not
// name one.
const DataRange = "Sheet1"

// summaryRows caps how many data rows a report email lists.
const summaryRows = 20

type reportInput struct {
	ReportTitle     string   `json:"reportTitle"`
	SheetName       string   `json:"sheetName"`
	EmailRecipients []string `json:"emailRecipients"`
	ReportFormat    string   `json:"reportFormat"`
	IncludeCharts   bool     `json:"includeCharts"`
}

func dailyReport(ctx context.Context, run *Run) error {
	in, err := decodeInput[reportInput](run.Input)
	if err != nil {
		return err
	}
	if run.Env.Sheets == nil || run.Env.Mail == nil {
		return missingClient(models.ProviderGoogle)
	}

	sheetID, err := durable.RunStep(ctx, run.Step, "find-sheet", func(ctx context.Context) (string, error) {
		return run.Env.Sheets.FindSpreadsheetByName(ctx, in.SheetName)
	})
	if err != nil {
		return err
	}
	rows, err := durable.RunStep(ctx, run.Step, "read-sheet", func(ctx context.Context) ([][]any, error) {
		return run.Env.Sheets.ReadValues(ctx, sheetID, DataRange)
	})
	if err != nil {
		return err
	}
	run.Logger.Info("report data fetched", "workflow_id", run.Payload.WorkflowID, "spreadsheet_id", sheetID, "rows", len(rows))

	body := reportBody(in, rows)
	messageID, err := durable.RunStep(ctx, run.Step, "send-report", func(ctx context.Context) (string, error) {
		return run.Env.Mail.SendEmail(ctx, in.EmailRecipients, in.ReportTitle, body)
	})
	if err != nil {
		return err
	}
	run.Logger.Info("report sent", "workflow_id", run.Payload.WorkflowID, "message_id", messageID, "recipients", len(in.EmailRecipients))
	return nil
}

func reportBody(in reportInput, rows [][]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", in.ReportTitle)
	fmt.Fprintf(&b, "Source: %s\n", in.SheetName)
	fmt.Fprintf(&b, "Format: %s\n", in.ReportFormat)
	if len(rows) == 0 {
		b.WriteString("\nThe sheet has no data.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Rows: %d\n\n", len(rows)-1)
	for i, row := range rows {
		if i > summaryRows {
			fmt.Fprintf(&b, "... %d more rows\n", len(rows)-1-summaryRows)
			break
		}
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = fmt.Sprint(c)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	return b.String()
}

type notificationInput struct {
	RecipientEmails []string `json:"recipientEmails"`
	Subject         string   `json:"subject"`
	Template        string   `json:"template"`
	Priority        string   `json:"priority"`
	Body            string   `json:"body"`
}

func emailNotification(ctx context.Context, run *Run) error {
	in, err := decodeInput[notificationInput](run.Input)
	if err != nil {
		return err
	}
	if run.Env.Mail == nil {
		return missingClient(models.ProviderGoogle)
	}

	subject := in.Subject
	if in.Priority == "high" {
		subject = "[HIGH] " + subject
	}
	body := notificationBody(in, run)

	messageID, err := durable.RunStep(ctx, run.Step, "send-notification", func(ctx context.Context) (string, error) {
		return run.Env.Mail.SendEmail(ctx, in.RecipientEmails, subject, body)
	})
	if err != nil {
		return err
	}
	run.Logger.Info("notification sent", "workflow_id", run.Payload.WorkflowID, "message_id", messageID, "priority", in.Priority)
	return nil
}

func notificationBody(in notificationInput, run *Run) string {
	switch in.Template {
	case "custom":
		if in.Body != "" {
			return in.Body
		}
		return in.Subject
	case "detailed":
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\n", in.Subject)
		if w := run.Env.Workflow; w != nil {
			fmt.Fprintf(&b, "Workflow: %s\n", w.Name)
		}
		fmt.Fprintf(&b, "Priority: %s\n", in.Priority)
		if run.Payload.ScheduledRun {
			fmt.Fprintf(&b, "Schedule: %s (%s)\n", run.Payload.CronExpression, run.Payload.Timezone)
		}
		fmt.Fprintf(&b, "Run: %s\n", run.ID)
		return b.String()
	default:
		return in.Subject
	}
}

type syncInput struct {
	SourceSheetID     string   `json:"sourceSheetId"`
	TargetSheetID     string   `json:"targetSheetId"`
	SyncColumns       []string `json:"syncColumns"`
	OverwriteExisting bool     `json:"overwriteExisting"`
}

// dataSync copies the named columns of the source sheet into the target.
// The first source row is the header. With overwriteExisting the target is
// rewritten from A1 including the header; otherwise data rows are appended.
func dataSync(ctx context.Context, run *Run) error {
	in, err := decodeInput[syncInput](run.Input)
	if err != nil {
		return err
	}
	if run.Env.Sheets == nil {
		return missingClient(models.ProviderGoogle)
	}

	source, err := durable.RunStep(ctx, run.Step, "read-source", func(ctx context.Context) ([][]any, error) {
		return run.Env.Sheets.ReadValues(ctx, in.SourceSheetID, DataRange)
	})
	if err != nil {
		return err
	}
	if len(source) == 0 {
		run.Logger.Info("source sheet is empty", "workflow_id", run.Payload.WorkflowID)
		return nil
	}
	selected, err := selectColumns(source, in.SyncColumns)
	if err != nil {
		return err
	}

	written, err := durable.RunStep(ctx, run.Step, "write-target", func(ctx context.Context) (int, error) {
		if in.OverwriteExisting {
			return len(selected) - 1, run.Env.Sheets.WriteValues(ctx, in.TargetSheetID, DataRange+"!A1", selected)
		}
		if len(selected) == 1 {
			return 0, nil
		}
		return len(selected) - 1, run.Env.Sheets.AppendValues(ctx, in.TargetSheetID, DataRange+"!A1", selected[1:])
	})
	if err != nil {
		return err
	}
	run.Logger.Info("data synced",
		"workflow_id", run.Payload.WorkflowID,
		"rows", written,
		"columns", strings.Join(in.SyncColumns, ","),
		"overwrite", in.OverwriteExisting,
	)
	return nil
}

// selectColumns projects rows onto the header names in columns, in that
// order. Short rows are padded with empty cells.
func selectColumns(rows [][]any, columns []string) ([][]any, error) {
	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		index[fmt.Sprint(h)] = i
	}
	positions := make([]int, len(columns))
	for i, name := range columns {
		pos, ok := index[name]
		if !ok {
			return nil, fault.Validation(
				fmt.Sprintf("column %q not found in source sheet", name),
				fault.FieldError{Field: "syncColumns", Message: fmt.Sprintf("unknown column %q", name)},
			)
		}
		positions[i] = pos
	}

	out := make([][]any, len(rows))
	for r, row := range rows {
		projected := make([]any, len(positions))
		for i, pos := range positions {
			if pos < len(row) {
				projected[i] = row[pos]
			} else {
				projected[i] = ""
			}
		}
		out[r] = projected
	}
	return out, nil
}

type slackInput struct {
	ChannelID       string   `json:"channelId"`
	Message         string   `json:"message"`
	IncludeMentions bool     `json:"includeMentions"`
	MentionUsers    []string `json:"mentionUsers"`
}

func slackPost(ctx context.Context, run *Run) error {
	in, err := decodeInput[slackInput](run.Input)
	if err != nil {
		return err
	}
	if run.Env.Slack == nil {
		return missingClient(models.ProviderSlack)
	}

	var mentions []string
	if in.IncludeMentions {
		mentions = in.MentionUsers
	}
	ts, err := durable.RunStep(ctx, run.Step, "post-message", func(ctx context.Context) (string, error) {
		return run.Env.Slack.PostMessage(ctx, in.ChannelID, in.Message, mentions)
	})
	if err != nil {
		return err
	}
	run.Logger.Info("slack message posted", "workflow_id", run.Payload.WorkflowID, "channel", in.ChannelID, "ts", ts, "mentions", len(mentions))
	return nil
}

type schedulerInput struct {
	TaskName    string `json:"taskName"`
	Description string `json:"description"`
}

func basicScheduler(ctx context.Context, run *Run) error {
	in, err := decodeInput[schedulerInput](run.Input)
	if err != nil {
		return err
	}
	startedAt, err := durable.RunStep(ctx, run.Step, "execute-task", func(ctx context.Context) (time.Time, error) {
		return time.Now().UTC(), nil
	})
	if err != nil {
		return err
	}
	args := []any{"workflow_id", run.Payload.WorkflowID, "task", in.TaskName, "started_at", startedAt}
	if in.Description != "" {
		args = append(args, "description", in.Description)
	}
	run.Logger.Info("scheduled task executed", args...)
	return nil
}
