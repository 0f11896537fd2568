// Package catalog holds the read-only workflow template definitions shipped
// with the service and validates per-instance input against each template's
// input schema.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

//go:embed templates.yaml
var builtin []byte

const (
	TypeMarketplace = "marketplace"
	TypeCustom      = "custom"

	PricingFree = "free"
	PricingPaid = "paid"

	DefaultPageSize = 20
	MaxPageSize     = 50
)

type Pricing struct {
	Type          string `yaml:"type" json:"type"`
	Price         int    `yaml:"price,omitempty" json:"price,omitempty"`
	Currency      string `yaml:"currency,omitempty" json:"currency,omitempty"`
	BillingPeriod string `yaml:"billingPeriod,omitempty" json:"billingPeriod,omitempty"`
}

// Template describes an installable workflow.
type Template struct {
	ID                string                       `yaml:"id" json:"id"`
	Name              string                       `yaml:"name" json:"name"`
	Description       string                       `yaml:"description" json:"description"`
	EventName         string                       `yaml:"eventName" json:"eventName"`
	CanBeScheduled    bool                         `yaml:"canBeScheduled" json:"canBeScheduled"`
	RequiredProviders []models.Provider            `yaml:"requiredProviders" json:"requiredProviders"`
	RequiredScopes    map[models.Provider][]string `yaml:"requiredScopes" json:"requiredScopes,omitempty"`
	Type              string                       `yaml:"type" json:"type"`
	RestrictedToUsers []string                     `yaml:"restrictedToUsers,omitempty" json:"-"`
	Pricing           Pricing                      `yaml:"pricing" json:"pricing"`
	Category          string                       `yaml:"category" json:"category"`
	Tags              []string                     `yaml:"tags" json:"tags"`
	Featured          bool                         `yaml:"featured" json:"featured"`
	Author            string                       `yaml:"author" json:"author"`
	Version           string                       `yaml:"version" json:"version"`
	InputSchema       map[string]any               `yaml:"inputSchema" json:"inputSchema"`

	schema *jsonschema.Resolved
}

// Free reports whether installing the template costs nothing.
func (t *Template) Free() bool {
	return t.Pricing.Type == PricingFree
}

// AvailableTo reports whether userID may see and install the template.
func (t *Template) AvailableTo(userID string) bool {
	switch t.Type {
	case TypeMarketplace:
		return true
	case TypeCustom:
		return slices.Contains(t.RestrictedToUsers, userID)
	default:
		return false
	}
}

// Catalog is an immutable, ordered set of templates.
type Catalog struct {
	templates []*Template
	byID      map[string]*Template
	byEvent   map[string]*Template
}

// Load parses the templates bundled with the binary.
func Load() (*Catalog, error) {
	return Parse(builtin)
}

// Parse builds a catalog from YAML. Every template must carry a unique id and
// event name and a resolvable input schema.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Templates []*Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	c := &Catalog{
		byID:    make(map[string]*Template, len(doc.Templates)),
		byEvent: make(map[string]*Template, len(doc.Templates)),
	}
	for _, t := range doc.Templates {
		if t.ID == "" || t.EventName == "" {
			return nil, fmt.Errorf("template %q: id and eventName are required", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if _, dup := c.byEvent[t.EventName]; dup {
			return nil, fmt.Errorf("duplicate template event %q", t.EventName)
		}
		if t.Type == "" {
			t.Type = TypeMarketplace
		}
		resolved, err := compile(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.ID, err)
		}
		t.schema = resolved
		c.templates = append(c.templates, t)
		c.byID[t.ID] = t
		c.byEvent[t.EventName] = t
	}
	return c, nil
}

func compile(raw map[string]any) (*jsonschema.Resolved, error) {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("unresolvable input schema: %w", err)
	}
	return resolved, nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (*Template, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// ByEvent returns the template whose instances react to eventName.
func (c *Catalog) ByEvent(eventName string) (*Template, bool) {
	t, ok := c.byEvent[eventName]
	return t, ok
}

// All returns every template in declaration order.
func (c *Catalog) All() []*Template {
	return slices.Clone(c.templates)
}

// Defaults returns the free templates available to userID; these are
// installed automatically for new users.
func (c *Catalog) Defaults(userID string) []*Template {
	var out []*Template
	for _, t := range c.templates {
		if t.Free() && t.AvailableTo(userID) {
			out = append(out, t)
		}
	}
	return out
}

// ValidateInput checks input against the template's schema and returns a copy
// with schema defaults filled in. The caller's map is not modified.
func (c *Catalog) ValidateInput(templateID string, input map[string]any) (map[string]any, error) {
	t, ok := c.byID[templateID]
	if !ok {
		return nil, fault.NotFound(fmt.Sprintf("template %q not found", templateID))
	}
	return t.ValidateInput(input)
}

// ValidateInput checks input against the template's schema and returns a copy
// with schema defaults filled in.
func (t *Template) ValidateInput(input map[string]any) (map[string]any, error) {
	instance, err := normalize(input)
	if err != nil {
		return nil, fault.Validation("input is not a JSON object", fault.FieldError{Field: "input", Message: err.Error()})
	}
	if err := t.schema.ApplyDefaults(&instance); err != nil {
		return nil, fault.Validation("invalid input", fault.FieldError{Field: "input", Message: err.Error()})
	}
	if err := t.schema.Validate(instance); err != nil {
		return nil, fault.Validation("invalid input", fault.FieldError{Field: "input", Message: err.Error()})
	}
	return instance, nil
}

// DefaultInput returns the schema defaults of the template's input. The
// result is not necessarily valid: required fields have no defaults.
func (t *Template) DefaultInput() map[string]any {
	instance := map[string]any{}
	if err := t.schema.ApplyDefaults(&instance); err != nil {
		return map[string]any{}
	}
	return instance
}

// normalize deep-copies input through JSON so that the validator sees the
// same value types it would after a round trip through the database.
func normalize(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Filters narrows a marketplace query. Zero values match everything.
type Filters struct {
	UserID   string
	Search   string
	Provider models.Provider
	Pricing  string
	Category string
	Featured bool
}

func (f Filters) match(t *Template) bool {
	if !t.AvailableTo(f.UserID) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hit := strings.Contains(strings.ToLower(t.Name), q) ||
			strings.Contains(strings.ToLower(t.Description), q) ||
			slices.ContainsFunc(t.Tags, func(tag string) bool { return strings.Contains(strings.ToLower(tag), q) })
		if !hit {
			return false
		}
	}
	if f.Provider != "" && !slices.Contains(t.RequiredProviders, f.Provider) {
		return false
	}
	if f.Pricing != "" && t.Pricing.Type != f.Pricing {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Featured && !t.Featured {
		return false
	}
	return true
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Page is one page of a marketplace query.
type Page struct {
	Items      []*Template
	Pagination Pagination
}

// Query filters the catalog and returns the requested page. page starts at 1;
// out-of-range page and limit values are clamped.
func (c *Catalog) Query(f Filters, page, limit int) Page {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	var matched []*Template
	for _, t := range c.templates {
		if f.match(t) {
			matched = append(matched, t)
		}
	}

	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	totalPages := int(math.Ceil(float64(total) / float64(limit)))

	return Page{
		Items: matched[start:end],
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}
}
