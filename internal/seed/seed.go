// Package seed loads system-wide prompt templates and tool endpoints from a
// YAML file at startup.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/models"
)

// File is the seed file layout.
type File struct {
	Templates []models.Template `yaml:"templates"`
	Tools     []Tool            `yaml:"tools"`
}

// Tool is a tool endpoint entry. Parameters is the JSON schema offered to
// the model, written as YAML.
type Tool struct {
	tools.Definition `yaml:",inline"`
	Parameters       map[string]interface{} `yaml:"parameters"`
}

// Load parses the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse parses seed file contents. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, t := range f.Templates {
		if t.Usecase == "" {
			return nil, fmt.Errorf("template %d: usecase is required", i)
		}
		if t.ModelConfig.Provider == "" || t.ModelConfig.Model == "" {
			return nil, fmt.Errorf("template %s: model_config.provider and model_config.model are required", t.Usecase)
		}
	}
	for i, t := range f.Tools {
		if !tools.IsKnownTool(t.Name) {
			return nil, fmt.Errorf("tool %d: unknown tool %q", i, t.Name)
		}
	}
	return &f, nil
}

// Apply upserts the templates and registers the tool endpoints.
func Apply(ctx context.Context, f *File, templates store.TemplateStore, gw *tools.Gateway) error {
	for i := range f.Templates {
		t := f.Templates[i]
		if err := templates.UpsertTemplate(ctx, &t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.Usecase, err)
		}
	}
	for _, t := range f.Tools {
		def := t.Definition
		if t.Parameters != nil {
			raw, err := json.Marshal(t.Parameters)
			if err != nil {
				return fmt.Errorf("tool %s parameters: %w", t.Name, err)
			}
			def.Parameters = raw
		}
		if err := gw.Register(def); err != nil {
			return fmt.Errorf("seed tool: %w", err)
		}
	}
	log.Info().
		Int("templates", len(f.Templates)).
		Int("tools", len(f.Tools)).
		Msg("Seed applied")
	return nil
}
