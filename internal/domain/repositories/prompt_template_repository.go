package repositories

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// PromptTemplateRepository resolves the active prompt template.
type PromptTemplateRepository interface {
	// GetActive returns the most recently created active template of the
	// given type, or a NOT_FOUND AppError when none exists.
	GetActive(ctx context.Context, templateType string) (*entities.PromptTemplate, error)
}
