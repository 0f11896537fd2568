package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"

	"flowdeck/backend/internal/services"
)

// ErrInvalidSignature is returned when a webhook delivery cannot be
// authenticated.
var ErrInvalidSignature = errors.New("auth: invalid webhook signature")

// WebhookVerifier authenticates identity lifecycle webhooks signed with the
// svix scheme (svix-id, svix-timestamp and svix-signature headers).
type WebhookVerifier struct {
	wh *svix.Webhook
}

// NewWebhookVerifier creates a verifier for the given whsec_ secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook secret: %w", err)
	}
	return &WebhookVerifier{wh: wh}, nil
}

// Verify checks the signature and timestamp of payload.
func (v *WebhookVerifier) Verify(payload []byte, headers http.Header) error {
	if err := v.wh.Verify(payload, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

type identityPayload struct {
	Type string `json:"type"`
	Data struct {
		ID                    string `json:"id"`
		PrimaryEmailAddressID string `json:"primary_email_address_id"`
		EmailAddresses        []struct {
			ID           string `json:"id"`
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
	} `json:"data"`
}

// ParseIdentityEvent decodes a verified webhook body. The primary email
// address is preferred; otherwise the first listed one is used.
func ParseIdentityEvent(payload []byte) (services.IdentityEvent, error) {
	var p identityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return services.IdentityEvent{}, fmt.Errorf("malformed identity event: %w", err)
	}
	if p.Type == "" || p.Data.ID == "" {
		return services.IdentityEvent{}, errors.New("identity event requires type and data.id")
	}

	var email string
	for _, addr := range p.Data.EmailAddresses {
		if addr.ID == p.Data.PrimaryEmailAddressID {
			email = addr.EmailAddress
			break
		}
	}
	if email == "" && len(p.Data.EmailAddresses) > 0 {
		email = p.Data.EmailAddresses[0].EmailAddress
	}
	return services.IdentityEvent{Type: p.Type, ExternalID: p.Data.ID, Email: email}, nil
}
