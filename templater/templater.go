// Package templater renders templated block inputs with Jinja2-style
// (pongo2) templates. Whole-string output references are resolved by the
// engine before templating; everything else containing {{ }} lands here.
package templater

import (
	"fmt"
	"maps"
	"strings"

	pongo2 "github.com/flosch/pongo2/v6"
)

type Templater struct{}

func New() *Templater {
	return &Templater{}
}

// Render renders a template string with the provided data.
func (t *Templater) Render(tmpl string, data map[string]any) (string, error) {
	if data == nil {
		return "", fmt.Errorf("template data is nil")
	}
	pl, err := pongo2.FromString(tmpl)
	if err != nil {
		return "", err
	}
	return pl.Execute(flattenContext(data))
}

// IsTemplate reports whether a value needs rendering at all.
func IsTemplate(v any) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, "{{")
}

// RegisterFilters adds custom pongo2 filters.
func (t *Templater) RegisterFilters(filters map[string]pongo2.FilterFunction) {
	for name, fn := range filters {
		_ = pongo2.RegisterFilter(name, fn)
	}
}

func flattenContext(data map[string]any) pongo2.Context {
	converted := make(pongo2.Context, len(data))
	maps.Copy(converted, data)
	return converted
}
