// Package vault stores per-user third-party secrets encrypted at rest.
//
// Only metadata leaves the vault through Store, Update, Get and List. The
// decrypted payload is available through Open, which callers use inside the
// process to build integration clients; it is never serialized to a client.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/pkg/models"
)

// Cipher is the encryption-at-rest helper.
type Cipher interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// Vault validates, encrypts and persists credentials.
type Vault struct {
	store  repository.CredentialStore
	cipher Cipher
}

// New creates a Vault.
func New(store repository.CredentialStore, cipher Cipher) *Vault {
	return &Vault{store: store, cipher: cipher}
}

// StoreRequest is the input of Store.
type StoreRequest struct {
	Name     string
	Kind     models.CredentialKind
	Provider models.Provider
	Secret   json.RawMessage
	Config   map[string]any
}

// Store validates the secret against the (kind, provider) schema, encrypts
// it and persists a new credential. Nothing is written when validation fails.
func (v *Vault) Store(ctx context.Context, ownerUserID string, req StoreRequest) (*models.CredentialMetadata, error) {
	if req.Name == "" {
		return nil, fault.Validation("credential name is required", fault.FieldError{Field: "name", Message: "is required"})
	}
	secret, err := credentials.Validate(req.Kind, req.Provider, req.Secret)
	if err != nil {
		return nil, err
	}
	return v.StoreSecret(ctx, ownerUserID, req.Name, secret, req.Config)
}

// StoreSecret persists an already typed secret. It is used by the OAuth
// callback, which builds the secret from a token exchange.
func (v *Vault) StoreSecret(ctx context.Context, ownerUserID, name string, secret credentials.Secret, config map[string]any) (*models.CredentialMetadata, error) {
	sealed, err := v.seal(secret)
	if err != nil {
		return nil, err
	}
	credential := &models.Credential{
		OwnerUserID:     ownerUserID,
		Name:            name,
		Kind:            secret.Kind(),
		Provider:        secret.Provider(),
		EncryptedSecret: sealed,
		Config:          config,
	}
	if err := v.store.CreateCredential(ctx, credential); err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return credential.Metadata(), nil
}

// Update re-validates and replaces the secret of an owned credential. The
// kind and provider of the stored row select the schema.
func (v *Vault) Update(ctx context.Context, ownerUserID, credentialID string, newSecret json.RawMessage) (*models.CredentialMetadata, error) {
	existing, err := v.get(ctx, ownerUserID, credentialID)
	if err != nil {
		return nil, err
	}
	secret, err := credentials.Validate(existing.Kind, existing.Provider, newSecret)
	if err != nil {
		return nil, err
	}
	return v.Replace(ctx, ownerUserID, credentialID, secret)
}

// Replace persists secret as the new payload of an owned credential. The
// token refresher calls it after a successful refresh.
func (v *Vault) Replace(ctx context.Context, ownerUserID, credentialID string, secret credentials.Secret) (*models.CredentialMetadata, error) {
	sealed, err := v.seal(secret)
	if err != nil {
		return nil, err
	}
	updated, err := v.store.UpdateCredentialSecret(ctx, ownerUserID, credentialID, sealed)
	if err != nil {
		return nil, notFound(err, credentialID)
	}
	return updated.Metadata(), nil
}

// Get returns the metadata of an owned credential.
func (v *Vault) Get(ctx context.Context, ownerUserID, credentialID string) (*models.CredentialMetadata, error) {
	c, err := v.get(ctx, ownerUserID, credentialID)
	if err != nil {
		return nil, err
	}
	return c.Metadata(), nil
}

// List returns the metadata of every credential the user owns.
func (v *Vault) List(ctx context.Context, ownerUserID string) ([]*models.CredentialMetadata, error) {
	rows, err := v.store.ListCredentials(ctx, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]*models.CredentialMetadata, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.Metadata())
	}
	return out, nil
}

// Delete removes an owned credential.
func (v *Vault) Delete(ctx context.Context, ownerUserID, credentialID string) error {
	if err := v.store.DeleteCredential(ctx, ownerUserID, credentialID); err != nil {
		return notFound(err, credentialID)
	}
	return nil
}

// Open decrypts a stored credential row into its typed secret.
func (v *Vault) Open(credential *models.Credential) (credentials.Secret, error) {
	plaintext, err := v.cipher.Open(credential.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", credential.ID, err)
	}
	secret, err := credentials.Validate(credential.Kind, credential.Provider, plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", credential.ID, err)
	}
	return secret, nil
}

func (v *Vault) get(ctx context.Context, ownerUserID, credentialID string) (*models.Credential, error) {
	c, err := v.store.GetCredential(ctx, ownerUserID, credentialID)
	if err != nil {
		return nil, notFound(err, credentialID)
	}
	return c, nil
}

func (v *Vault) seal(secret credentials.Secret) (string, error) {
	plaintext, err := credentials.Encode(secret)
	if err != nil {
		return "", fault.Permanent("failed to encode secret", err)
	}
	sealed, err := v.cipher.Seal(plaintext)
	if err != nil {
		return "", fault.Internal("failed to encrypt secret", err)
	}
	return sealed, nil
}

func notFound(err error, credentialID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fault.NotFound(fmt.Sprintf("credential %s not found", credentialID))
	}
	return err
}
