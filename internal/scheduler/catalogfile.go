package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/scanforge/scanforge/internal/models"
)

// catalogSchema validates service catalog files before they are trusted.
// Catalogs are operator-edited, so a clear validation error beats a
// half-loaded catalog.
const catalogSchema = `{
	"type": "object",
	"required": ["services"],
	"properties": {
		"services": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "stage", "category", "timeout"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"stage": {"type": "string", "minLength": 1},
					"category": {"type": "string", "minLength": 1},
					"enabled": {"type": "boolean"},
					"accepts": {"type": "string"},
					"rejects": {"type": "string"},
					"timeout": {"type": "integer", "minimum": 1},
					"submission_params": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name"],
							"properties": {
								"name": {"type": "string", "minLength": 1}
							}
						}
					}
				}
			}
		}
	}
}`

// catalogFile is the on-disk shape of a service catalog.
type catalogFile struct {
	Services []models.Service `json:"services" yaml:"services"`
}

// LoadCatalogFile reads a YAML or JSON service catalog, validates it
// against the catalog schema and returns the service entries.
func LoadCatalogFile(path string) ([]models.Service, error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, readErr)
	}

	var doc any

	// YAML is a superset of JSON here, so one decoder covers both.
	decodeErr := yaml.Unmarshal(raw, &doc)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, decodeErr)
	}

	validation, validateErr := gojsonschema.Validate(
		gojsonschema.NewStringLoader(catalogSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if validateErr != nil {
		return nil, fmt.Errorf("validate catalog %s: %w", path, validateErr)
	}

	if !validation.Valid() {
		issues := make([]string, 0, len(validation.Errors()))
		for _, issue := range validation.Errors() {
			issues = append(issues, issue.String())
		}

		return nil, fmt.Errorf("catalog %s failed validation: %s", filepath.Base(path), strings.Join(issues, "; "))
	}

	var parsed catalogFile

	unmarshalErr := yaml.Unmarshal(raw, &parsed)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, unmarshalErr)
	}

	return parsed.Services, nil
}

// StaticServices adapts a fixed service list to the datastore catalog
// interface, for catalogs loaded from a file.
type StaticServices []models.Service

// ListEnabled returns the enabled entries.
func (s StaticServices) ListEnabled() ([]models.Service, error) {
	enabled := make([]models.Service, 0, len(s))

	for _, service := range s {
		if service.Enabled {
			enabled = append(enabled, service)
		}
	}

	return enabled, nil
}
