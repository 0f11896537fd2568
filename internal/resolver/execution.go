package resolver

import (
	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/integrations/google"
	"flowdeck/backend/internal/integrations/slack"
	"flowdeck/backend/internal/oauth"
	"flowdeck/backend/pkg/models"
)

// Credential is a decrypted linked credential.
type Credential struct {
	id       string
	name     string
	kind     models.CredentialKind
	provider models.Provider
	secret   credentials.Secret
}

func (c Credential) ID() string                  { return c.id }
func (c Credential) Name() string                { return c.name }
func (c Credential) Kind() models.CredentialKind { return c.kind }
func (c Credential) Provider() models.Provider   { return c.provider }
func (c Credential) Secret() credentials.Secret  { return c.secret }

// Execution is the read-only context handed to workflow business logic.
// It is built once per execution and never mutated afterwards.
type Execution struct {
	ownerUserID string
	eventName   string
	workflow    *models.Workflow
	credentials []Credential
	refreshers  map[models.Provider]*oauth.Refresher
	google      *google.Client
	slack       *slack.Client
}

// NewExecution builds an Execution without credentials.
func NewExecution(ownerUserID, eventName string, workflow *models.Workflow) *Execution {
	return &Execution{ownerUserID: ownerUserID, eventName: eventName, workflow: workflow}
}

func (e *Execution) OwnerUserID() string { return e.ownerUserID }
func (e *Execution) EventName() string   { return e.eventName }

// Workflow returns a copy of the resolved workflow instance, or nil when the
// trigger did not belong to one.
func (e *Execution) Workflow() *models.Workflow {
	if e.workflow == nil {
		return nil
	}
	clone := *e.workflow
	return &clone
}

// Credentials returns every decrypted linked credential in link order.
func (e *Execution) Credentials() []Credential {
	return append([]Credential(nil), e.credentials...)
}

// Credential returns the first linked credential of provider.
func (e *Execution) Credential(provider models.Provider) (Credential, bool) {
	for _, c := range e.credentials {
		if c.provider == provider {
			return c, true
		}
	}
	return Credential{}, false
}

// Refresher returns the token refresher of the first OAuth credential of
// provider, for providers without a dedicated adapter.
func (e *Execution) Refresher(provider models.Provider) (*oauth.Refresher, bool) {
	r, ok := e.refreshers[provider]
	return r, ok
}

func (e *Execution) Google() (*google.Client, bool) { return e.google, e.google != nil }
func (e *Execution) Slack() (*slack.Client, bool)   { return e.slack, e.slack != nil }
