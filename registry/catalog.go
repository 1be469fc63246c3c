package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/utils"
)

// catalogSchema constrains provider catalog files. Descriptor provider
// fields are filled in from the enclosing provider, so the files stay terse.
const catalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "image": {"type": "string"},
    "auth": {"enum": ["", "oauth2"]},
    "actions": {"type": "array", "items": {"$ref": "#/$defs/descriptor"}},
    "reactions": {"type": "array", "items": {"$ref": "#/$defs/descriptor"}}
  },
  "$defs": {
    "descriptor": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "description": {"type": "string"},
        "inputs": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "type"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "title": {"type": "string"},
              "type": {"enum": ["string", "int", "float", "bool", "time", "any"]},
              "required": {"type": "boolean"},
              "default": {}
            }
          }
        },
        "outputs": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "type"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "title": {"type": "string"},
              "type": {"enum": ["string", "int", "float", "bool", "time", "any"]}
            }
          }
        }
      }
    }
  }
}`

var compiledCatalogSchema = jsonschema.MustCompileString("catalog.schema.json", catalogSchema)

// LoadCatalogFile registers a provider described by a JSON catalog file.
// Such providers appear in listings and validate flows, but flows using
// them cannot run until a connector with the same name is registered.
func (r *Registry) LoadCatalogFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return utils.Errorf("read catalog %s: %w", path, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return utils.Errorf("parse catalog %s: %w", path, err)
	}
	if err := compiledCatalogSchema.Validate(doc); err != nil {
		return utils.Errorf("catalog %s: %w", path, err)
	}
	var p model.Provider
	if err := json.Unmarshal(raw, &p); err != nil {
		return utils.Errorf("parse catalog %s: %w", path, err)
	}
	for i := range p.Actions {
		p.Actions[i].Provider = p.Name
		p.Actions[i].Kind = model.KindAction
	}
	for i := range p.Reactions {
		p.Reactions[i].Provider = p.Name
		p.Reactions[i].Kind = model.KindReaction
	}
	if _, exists := r.providers[p.Name]; exists {
		return fmt.Errorf("registry: catalog %s redefines provider %q", path, p.Name)
	}
	return r.index(p)
}

// LoadCatalogs loads every configured catalog file, failing fast on the
// first bad one.
func (r *Registry) LoadCatalogs(paths []string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := r.LoadCatalogFile(path); err != nil {
			return err
		}
		utils.Debug("loaded provider catalog %s", path)
	}
	return nil
}
