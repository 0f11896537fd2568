// Package models defines the persisted domain rows of the workflow service.
package models

import (
	"time"
)

// CredentialKind selects the shape family of a stored secret.
type CredentialKind string

const (
	CredentialKindOAuth  CredentialKind = "OAUTH"
	CredentialKindAPIKey CredentialKind = "API_KEY"
)

// Provider identifies the third party a credential authenticates against.
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderSlack     Provider = "SLACK"
	ProviderHubspot   Provider = "HUBSPOT"
	ProviderFirecrawl Provider = "FIRECRAWL"
	ProviderCustom    Provider = "CUSTOM"
)

// User is the internal identity, 1:1 with an identity-provider subject.
type User struct {
	ID         string    `json:"id" db:"id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Email      string    `json:"email,omitempty" db:"email"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Credential is a stored third-party secret. EncryptedSecret never leaves the
// process: it is excluded from JSON and only the vault decrypts it.
type Credential struct {
	ID              string         `json:"id" db:"id"`
	OwnerUserID     string         `json:"owner_user_id" db:"owner_user_id"`
	Name            string         `json:"name" db:"name"`
	Kind            CredentialKind `json:"kind" db:"kind"`
	Provider        Provider       `json:"provider" db:"provider"`
	EncryptedSecret string         `json:"-" db:"encrypted_secret"`
	Config          map[string]any `json:"config,omitempty" db:"config"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// CredentialMetadata is the safe projection of a Credential.
type CredentialMetadata struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      CredentialKind `json:"kind"`
	Provider  Provider       `json:"provider"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Metadata strips the ciphertext.
func (c *Credential) Metadata() *CredentialMetadata {
	return &CredentialMetadata{
		ID:        c.ID,
		Name:      c.Name,
		Kind:      c.Kind,
		Provider:  c.Provider,
		Config:    c.Config,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Code     string         `json:"code,omitempty"`
	Errors   any            `json:"errors,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}
