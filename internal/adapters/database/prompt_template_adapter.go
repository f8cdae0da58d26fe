package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

const TablePromptTemplates = "prompt_templates"

// PromptTemplateAdapter implements PromptTemplateRepository
type PromptTemplateAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

var _ repositories.PromptTemplateRepository = (*PromptTemplateAdapter)(nil)

// NewPromptTemplateAdapter creates a new prompt template adapter
func NewPromptTemplateAdapter(client *postgres.Client) *PromptTemplateAdapter {
	return &PromptTemplateAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// GetActive returns the newest active template of the given type
func (a *PromptTemplateAdapter) GetActive(ctx context.Context, templateType string) (*entities.PromptTemplate, error) {
	query, args, err := a.db.From(TablePromptTemplates).
		Select("id", "name", "type", "version", "content_template", "word_limit", "active", "created_at").
		Where(goqu.Ex{"type": templateType, "active": true}).
		Order(goqu.C("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	tpl := &entities.PromptTemplate{}
	var name, version sql.NullString
	var wordLimit sql.NullInt64

	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(
		&tpl.ID,
		&name,
		&tpl.Type,
		&version,
		&tpl.ContentTemplate,
		&wordLimit,
		&tpl.Active,
		&tpl.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no active prompt template of type %q", templateType))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get active prompt template", err)
	}

	tpl.Name = name.String
	tpl.Version = version.String
	if wordLimit.Valid {
		limit := int(wordLimit.Int64)
		tpl.WordLimit = &limit
	}
	return tpl, nil
}
