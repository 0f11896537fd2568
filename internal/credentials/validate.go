package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"

	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

type fieldType int

const (
	typeString fieldType = iota
	typeNumber
	typeStringArray
)

type field struct {
	name     string
	typ      fieldType
	required bool
}

// schemas lists, per (kind, provider), the fields a secret may carry and
// which of them must be present.
var schemas = map[models.CredentialKind]map[models.Provider][]field{
	models.CredentialKindOAuth: {
		models.ProviderGoogle: {
			{"accessToken", typeString, true},
			{"refreshToken", typeString, true},
			{"expiresIn", typeNumber, true},
			{"scopes", typeStringArray, true},
		},
		models.ProviderSlack: {
			{"accessToken", typeString, true},
			{"refreshToken", typeString, false},
			{"expiresIn", typeNumber, false},
			{"scopes", typeStringArray, false},
			{"teamId", typeString, true},
		},
		models.ProviderHubspot: {
			{"accessToken", typeString, true},
			{"refreshToken", typeString, true},
			{"expiresIn", typeNumber, false},
			{"scopes", typeStringArray, false},
			{"hubId", typeString, true},
		},
	},
	models.CredentialKindAPIKey: {
		models.ProviderFirecrawl: {
			{"apiKey", typeString, true},
		},
		models.ProviderCustom: {
			{"apiKey", typeString, true},
			{"apiUrl", typeString, false},
		},
	},
}

// Supported reports whether (kind, provider) names a known secret shape.
func Supported(kind models.CredentialKind, provider models.Provider) bool {
	_, ok := schemas[kind][provider]
	return ok
}

// ExpiryRequired reports whether OAuth secrets of provider must carry an
// expiry instant.
func ExpiryRequired(provider models.Provider) bool {
	for _, f := range schemas[models.CredentialKindOAuth][provider] {
		if f.name == "expiresIn" {
			return f.required
		}
	}
	return false
}

// Validate checks payload against the schema selected by (kind, provider)
// and returns the typed secret. It has no side effects.
//
// Failures are faults: UNSUPPORTED_CREDENTIAL_KIND for an unknown pair and
// VALIDATION_ERROR with one FieldError per offending field otherwise.
func Validate(kind models.CredentialKind, provider models.Provider, payload []byte) (Secret, error) {
	fields, ok := schemas[kind][provider]
	if !ok {
		return nil, fault.Unsupported(fmt.Sprintf("unsupported credential kind %s for provider %s", kind, provider))
	}

	var candidate map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&candidate); err != nil || candidate == nil {
		return nil, fault.Validation("credential secret must be a JSON object",
			fault.FieldError{Field: "secret", Message: "must be a JSON object"})
	}

	var problems []fault.FieldError
	for _, f := range fields {
		value, present := candidate[f.name]
		if !present || value == nil {
			if f.required {
				problems = append(problems, fault.FieldError{Field: f.name, Message: "is required"})
			}
			continue
		}
		if msg := checkType(value, f.typ); msg != "" {
			problems = append(problems, fault.FieldError{Field: f.name, Message: msg})
		}
	}
	if len(problems) > 0 {
		return nil, fault.Validation(fmt.Sprintf("invalid %s %s secret", provider, kind), problems...)
	}

	secret := newSecret(provider)
	if err := json.Unmarshal(payload, secret); err != nil {
		return nil, fault.Validation("credential secret could not be decoded",
			fault.FieldError{Field: "secret", Message: err.Error()})
	}
	return deref(secret), nil
}

// Encode serializes a secret for sealing.
func Encode(secret Secret) ([]byte, error) {
	return json.Marshal(secret)
}

func checkType(value any, typ fieldType) string {
	switch typ {
	case typeString:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if s == "" {
			return "must not be empty"
		}
	case typeNumber:
		if _, ok := value.(json.Number); !ok {
			return "must be a number"
		}
	case typeStringArray:
		items, ok := value.([]any)
		if !ok {
			return "must be an array of strings"
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return "must be an array of strings"
			}
		}
	}
	return ""
}

func newSecret(provider models.Provider) any {
	switch provider {
	case models.ProviderGoogle:
		return &GoogleOAuthSecret{}
	case models.ProviderSlack:
		return &SlackOAuthSecret{}
	case models.ProviderHubspot:
		return &HubspotOAuthSecret{}
	case models.ProviderFirecrawl:
		return &FirecrawlAPIKeySecret{}
	default:
		return &CustomAPIKeySecret{}
	}
}

func deref(v any) Secret {
	switch s := v.(type) {
	case *GoogleOAuthSecret:
		return *s
	case *SlackOAuthSecret:
		return *s
	case *HubspotOAuthSecret:
		return *s
	case *FirecrawlAPIKeySecret:
		return *s
	case *CustomAPIKeySecret:
		return *s
	}
	return nil
}
