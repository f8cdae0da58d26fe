// Package templates serves prompt templates from a YAML file, for local
// development and deployments without a templates table.
package templates

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Templates []*entities.PromptTemplate `yaml:"templates"`
}

// FileRepository holds templates parsed from a YAML document
type FileRepository struct {
	templates []*entities.PromptTemplate
}

var _ repositories.PromptTemplateRepository = (*FileRepository)(nil)

// LoadFile reads templates from path
func LoadFile(path string) (*FileRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt templates: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document with a top-level templates list
func Parse(data []byte) (*FileRepository, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	for i, t := range f.Templates {
		if t == nil {
			return nil, fmt.Errorf("prompt template %d is empty", i)
		}
		if strings.TrimSpace(t.Type) == "" {
			t.Type = entities.DefaultTemplateType
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s-%s", t.Type, t.Version)
		}
	}
	return &FileRepository{templates: f.Templates}, nil
}

// GetActive returns the newest active template of a type
func (r *FileRepository) GetActive(_ context.Context, templateType string) (*entities.PromptTemplate, error) {
	var best *entities.PromptTemplate
	for _, t := range r.templates {
		if !t.Active || t.Type != templateType {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no active prompt template of type %q", templateType))
	}
	cp := *best
	return &cp, nil
}

// Templates returns copies of every parsed template
func (r *FileRepository) Templates() []*entities.PromptTemplate {
	out := make([]*entities.PromptTemplate, len(r.templates))
	for i, t := range r.templates {
		cp := *t
		out[i] = &cp
	}
	return out
}
