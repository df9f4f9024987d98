package skills

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"voice-orchestrator/backend/pkg/models"
)

// definition is the on-disk form of a workflow. isActive defaults to true.
type definition struct {
	ID          string                `yaml:"id"`
	Slug        string                `yaml:"slug"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	IsActive    *bool                 `yaml:"isActive"`
	Steps       []models.WorkflowStep `yaml:"steps"`
}

// DecodeDefinition reads one YAML workflow definition. Unknown keys are
// rejected. A missing id falls back to the slug.
func DecodeDefinition(r io.Reader) (*models.Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def definition
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}

	w := &models.Workflow{
		ID:          def.ID,
		Slug:        def.Slug,
		Name:        def.Name,
		Description: def.Description,
		IsActive:    def.IsActive == nil || *def.IsActive,
		Steps:       def.Steps,
	}
	if w.ID == "" {
		w.ID = w.Slug
	}
	if w.Slug == "" {
		w.Slug = w.ID
	}
	return w, nil
}

// LoadDefinitions reads every *.yaml and *.yml file in dir, in file name
// order. Files without an id or slug take their base name.
func LoadDefinitions(dir string) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)

	workflows := make([]*models.Workflow, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		w, err := DecodeDefinition(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if w.ID == "" {
			w.ID = strings.TrimSuffix(name, filepath.Ext(name))
			w.Slug = w.ID
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
