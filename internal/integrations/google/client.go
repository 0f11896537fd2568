// Package google adapts Sheets, Gmail and Drive to a refresher-backed
// Google OAuth credential.
package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/integrations"
)

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// Client is the Google integration injected into workflow executions.
type Client struct {
	tokens integrations.TokenProvider
	sheets *sheets.Service
	gmail  *gmail.Service
	drive  *drive.Service
}

// New builds the Google services on top of tokens. Extra options are
// appended after the token source; tests use them to point at a fake server.
func New(ctx context.Context, tokens integrations.TokenProvider, opts ...option.ClientOption) (*Client, error) {
	all := append([]option.ClientOption{option.WithTokenSource(tokens.TokenSource(ctx))}, opts...)

	sheetsSvc, err := sheets.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	gmailSvc, err := gmail.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &Client{tokens: tokens, sheets: sheetsSvc, gmail: gmailSvc, drive: driveSvc}, nil
}

// CredentialID returns the id of the credential backing the client.
func (c *Client) CredentialID() string { return c.tokens.CredentialID() }

// FindSpreadsheetByName returns the id of the first spreadsheet named name
// visible to the credential.
func (c *Client) FindSpreadsheetByName(ctx context.Context, name string) (string, error) {
	if err := c.tokens.EnsureFreshToken(ctx); err != nil {
		return "", err
	}
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), spreadsheetMimeType)
	list, err := c.drive.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", classify("drive.files.list", err)
	}
	if len(list.Files) == 0 {
		return "", fault.New(fault.CodeNotFound, fmt.Sprintf("no spreadsheet named %q", name), false)
	}
	return list.Files[0].Id, nil
}

// ReadValues reads the cells of a range in A1 notation.
func (c *Client) ReadValues(ctx context.Context, spreadsheetID, readRange string) ([][]any, error) {
	if err := c.tokens.EnsureFreshToken(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sheets.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, classify("sheets.values.get", err)
	}
	return resp.Values, nil
}

// WriteValues overwrites a range.
func (c *Client) WriteValues(ctx context.Context, spreadsheetID, writeRange string, values [][]any) error {
	if err := c.tokens.EnsureFreshToken(ctx); err != nil {
		return err
	}
	_, err := c.sheets.Spreadsheets.Values.Update(spreadsheetID, writeRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify("sheets.values.update", err)
	}
	return nil
}

// AppendValues appends rows after the last non-empty row of a range.
func (c *Client) AppendValues(ctx context.Context, spreadsheetID, appendRange string, values [][]any) error {
	if err := c.tokens.EnsureFreshToken(ctx); err != nil {
		return err
	}
	_, err := c.sheets.Spreadsheets.Values.Append(spreadsheetID, appendRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return classify("sheets.values.append", err)
	}
	return nil
}

// SendEmail sends a plain text message from the credential's mailbox.
func (c *Client) SendEmail(ctx context.Context, to []string, subject, body string) (string, error) {
	if len(to) == 0 {
		return "", fault.Validation("at least one recipient is required", fault.FieldError{Field: "to", Message: "is required"})
	}
	if err := c.tokens.EnsureFreshToken(ctx); err != nil {
		return "", err
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(buildMessage(to, subject, body))}
	sent, err := c.gmail.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", classify("gmail.messages.send", err)
	}
	return sent.Id, nil
}

func buildMessage(to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func classify(op string, err error) error {
	if f, ok := fault.As(err); ok {
		return f
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fault.ReauthRequired(fmt.Sprintf("google rejected %s", op), err)
		case http.StatusForbidden:
			if throttled(apiErr) {
				return fault.Transient(fmt.Sprintf("%s throttled by google", op), err)
			}
			return fault.ReauthRequired(fmt.Sprintf("google rejected %s", op), err)
		case http.StatusBadRequest, http.StatusNotFound:
			return fault.New(fault.CodeValidation, fmt.Sprintf("%s: %s", op, apiErr.Message), false)
		}
	}
	return fault.Transient(fmt.Sprintf("%s failed", op), err)
}

// Google reports quota exhaustion as 403 with one of these reasons.
var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"quotaExceeded":         true,
}

func throttled(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if throttleReasons[item.Reason] {
			return true
		}
	}
	return false
}
