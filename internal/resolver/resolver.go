// Package resolver assembles the credentials and integration clients a
// workflow execution needs before its business logic runs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	slackapi "github.com/slack-go/slack"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/api/option"

	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/integrations/google"
	"flowdeck/backend/internal/integrations/slack"
	"flowdeck/backend/internal/oauth"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/pkg/models"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WorkflowLookup is the subset of the workflow store the resolver reads.
type WorkflowLookup interface {
	FindWorkflowByEvent(ctx context.Context, ownerUserID, eventName string) (*models.Workflow, error)
	ListWorkflowCredentials(ctx context.Context, ownerUserID, workflowID string) ([]*models.Credential, error)
}

// SecretOpener decrypts a stored credential. The vault implements it.
type SecretOpener interface {
	Open(credential *models.Credential) (credentials.Secret, error)
}

// Trigger identifies the inbound event of an execution.
type Trigger struct {
	EventName   string
	OwnerUserID string
}

// Resolver builds Executions.
type Resolver struct {
	workflows WorkflowLookup
	opener    SecretOpener
	tokens    *oauth.Manager
	logger    Logger

	googleOptions []option.ClientOption
	slackOptions  []slackapi.Option

	decryptFailures metric.Int64Counter
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithGoogleOptions passes client options to every Google client built.
func WithGoogleOptions(opts ...option.ClientOption) Option {
	return func(r *Resolver) { r.googleOptions = append(r.googleOptions, opts...) }
}

// WithSlackOptions passes options to every Slack client built.
func WithSlackOptions(opts ...slackapi.Option) Option {
	return func(r *Resolver) { r.slackOptions = append(r.slackOptions, opts...) }
}

// New creates a Resolver.
func New(workflows WorkflowLookup, opener SecretOpener, tokens *oauth.Manager, logger Logger, opts ...Option) *Resolver {
	counter, _ := otel.Meter("flowdeck/resolver").Int64Counter("credentials.decrypt_failures",
		metric.WithDescription("Linked credentials skipped because they could not be decrypted"))
	r := &Resolver{workflows: workflows, opener: opener, tokens: tokens, logger: logger, decryptFailures: counter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the workflow instance the trigger belongs to, decrypts its
// linked credentials in link order and builds the integration clients.
//
// A trigger with no matching workflow yields an empty Execution. A linked
// credential that cannot be decrypted is logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, trigger Trigger) (*Execution, error) {
	exec := &Execution{ownerUserID: trigger.OwnerUserID, eventName: trigger.EventName}

	workflow, err := r.workflows.FindWorkflowByEvent(ctx, trigger.OwnerUserID, trigger.EventName)
	if errors.Is(err, repository.ErrNotFound) {
		r.logger.Debug("no workflow for trigger", "event", trigger.EventName, "owner_user_id", trigger.OwnerUserID)
		return exec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow for %s: %w", trigger.EventName, err)
	}
	clone := *workflow
	exec.workflow = &clone

	rows, err := r.workflows.ListWorkflowCredentials(ctx, trigger.OwnerUserID, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials of workflow %s: %w", workflow.ID, err)
	}

	secrets := make([]credentials.Secret, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Go(func() {
			secret, err := r.opener.Open(row)
			if err != nil {
				r.logger.Error("skipping undecryptable credential",
					"credential_id", row.ID, "workflow_id", workflow.ID, "owner_user_id", trigger.OwnerUserID, "error", err)
				if r.decryptFailures != nil {
					r.decryptFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(row.Provider))))
				}
				return
			}
			secrets[i] = secret
		})
	}
	wg.Wait()

	for i, row := range rows {
		if secrets[i] == nil {
			continue
		}
		resolved := Credential{id: row.ID, name: row.Name, kind: row.Kind, provider: row.Provider, secret: secrets[i]}
		exec.credentials = append(exec.credentials, resolved)
		r.attach(ctx, exec, resolved)
	}
	return exec, nil
}

// attach builds the adapter for a credential's provider. The first
// credential of a provider wins.
func (r *Resolver) attach(ctx context.Context, exec *Execution, c Credential) {
	oauthSecret, ok := c.secret.(credentials.OAuthSecret)
	if !ok || r.tokens == nil {
		return
	}
	if exec.refreshers == nil {
		exec.refreshers = make(map[models.Provider]*oauth.Refresher)
	}
	if _, taken := exec.refreshers[c.provider]; taken {
		r.logger.Warn("ignoring additional credential for provider",
			"provider", c.provider, "credential_id", c.id, "owner_user_id", exec.ownerUserID)
		return
	}
	refresher := r.tokens.For(exec.ownerUserID, c.id, oauthSecret)
	exec.refreshers[c.provider] = refresher

	switch c.provider {
	case models.ProviderGoogle:
		client, err := google.New(ctx, refresher, r.googleOptions...)
		if err != nil {
			r.logger.Error("failed to build google client", "credential_id", c.id, "error", err)
			return
		}
		exec.google = client
	case models.ProviderSlack:
		exec.slack = slack.New(refresher, r.slackOptions...)
	}
}
