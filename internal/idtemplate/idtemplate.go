// Package idtemplate resolves opportunity and offer URLs against the URL
// templates registered for each opportunity kind.
package idtemplate

import (
	"fmt"
	"regexp"
	"strings"

	"openbooking/internal/models"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9]*)\}`)

// Template is a compiled URL template such as
// "{base}/scheduled-sessions/{sessionId}".
type Template struct {
	raw    string
	re     *regexp.Regexp
	params []string
}

// Compile parses a template. Parameters match one path segment.
func Compile(tmpl string) (*Template, error) {
	var params []string
	seen := make(map[string]bool)
	var pattern strings.Builder
	pattern.WriteString("^")

	last := 0
	for _, m := range placeholder.FindAllStringSubmatchIndex(tmpl, -1) {
		pattern.WriteString(regexp.QuoteMeta(tmpl[last:m[0]]))
		name := tmpl[m[2]:m[3]]
		if seen[name] {
			return nil, fmt.Errorf("template %q repeats parameter %q", tmpl, name)
		}
		seen[name] = true
		params = append(params, name)
		if name == "base" {
			pattern.WriteString(`(.+?)`)
		} else {
			pattern.WriteString(`([^/#?]+)`)
		}
		last = m[1]
	}
	pattern.WriteString(regexp.QuoteMeta(tmpl[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile template %q: %w", tmpl, err)
	}
	return &Template{raw: tmpl, re: re, params: params}, nil
}

// Match returns the template parameters for id.
func (t *Template) Match(id string) (map[string]string, bool) {
	m := t.re.FindStringSubmatch(id)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(t.params))
	for i, name := range t.params {
		out[name] = m[i+1]
	}
	return out, true
}

// Render fills the template. Missing parameters are an error.
func (t *Template) Render(values map[string]string) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(t.raw, func(s string) string {
		name := s[1 : len(s)-1]
		v, ok := values[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("template %q: missing parameter %q", t.raw, missing)
	}
	return out, nil
}

func (t *Template) String() string {
	return t.raw
}

// Components are the parsed parts of an opportunity/offer pair.
type Components struct {
	Kind          models.OpportunityKind
	OpportunityID string
	OfferID       string
	Params        map[string]string
}

type kindTemplates struct {
	kind        models.OpportunityKind
	opportunity *Template
	offer       *Template
}

// Registry holds the templates for every bookable opportunity kind.
type Registry struct {
	kinds []kindTemplates
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds the opportunity and offer templates for kind. The opportunity
// template's parameters must all appear in the offer template.
func (r *Registry) Register(kind models.OpportunityKind, opportunityTmpl, offerTmpl string) error {
	opp, err := Compile(opportunityTmpl)
	if err != nil {
		return err
	}
	offer, err := Compile(offerTmpl)
	if err != nil {
		return err
	}
	for _, p := range opp.params {
		if !contains(offer.params, p) {
			return fmt.Errorf("offer template %q does not carry opportunity parameter %q", offerTmpl, p)
		}
	}
	r.kinds = append(r.kinds, kindTemplates{kind: kind, opportunity: opp, offer: offer})
	return nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []models.OpportunityKind {
	out := make([]models.OpportunityKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k.kind)
	}
	return out
}

// Resolve parses an opportunity id and offer id. It reports false when no
// registered kind matches both, or when the offer belongs to another
// opportunity.
func (r *Registry) Resolve(opportunityID, offerID string) (Components, bool) {
	for _, k := range r.kinds {
		oppParams, ok := k.opportunity.Match(opportunityID)
		if !ok {
			continue
		}
		offerParams, ok := k.offer.Match(offerID)
		if !ok {
			return Components{}, false
		}
		for name, v := range oppParams {
			if offerParams[name] != v {
				return Components{}, false
			}
		}
		return Components{
			Kind:          k.kind,
			OpportunityID: opportunityID,
			OfferID:       offerID,
			Params:        offerParams,
		}, true
	}
	return Components{}, false
}

// KindOf returns the kind whose opportunity template matches id.
func (r *Registry) KindOf(opportunityID string) (models.OpportunityKind, bool) {
	for _, k := range r.kinds {
		if _, ok := k.opportunity.Match(opportunityID); ok {
			return k.kind, true
		}
	}
	return "", false
}

// Default returns the registry for scheduled sessions and slots under base.
func Default(base string) (*Registry, error) {
	r := NewRegistry()
	base = strings.TrimRight(base, "/")
	if err := r.Register(models.KindScheduledSession,
		base+"/scheduled-sessions/{sessionId}",
		base+"/scheduled-sessions/{sessionId}#/offers/{offerId}"); err != nil {
		return nil, err
	}
	if err := r.Register(models.KindSlot,
		base+"/facility-uses/{facilityUseId}/slots/{slotId}",
		base+"/facility-uses/{facilityUseId}/slots/{slotId}#/offers/{offerId}"); err != nil {
		return nil, err
	}
	return r, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
