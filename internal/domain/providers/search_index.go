package providers

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// SearchQuery is what the context assembler asks a search index for.
type SearchQuery struct {
	Keywords []entities.Keyword
	// Codes are exact ICD-10/CPT literals to fetch by key, ahead of ranked hits.
	Codes []string
	// Limit caps diagnoses and procedures separately.
	Limit int
}

// Terms returns the keyword terms, excluding code literals.
func (q SearchQuery) Terms() []string {
	out := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		if k.Category == entities.CategoryCodeLiteral {
			continue
		}
		out = append(out, k.Term)
	}
	return out
}

// SearchIndex answers context queries. Implementations return diagnoses and
// procedures ranked by relevance plus the mappings and documents that hang
// off them.
type SearchIndex interface {
	Name() string
	Search(ctx context.Context, query SearchQuery) (*entities.SearchResult, error)
}

// SearchIndexWriter maintains a search index during a rebuild.
type SearchIndexWriter interface {
	Name() string

	// Drop removes the collections of the given kinds, every kind when none
	// are given. Missing collections are not an error.
	Drop(ctx context.Context, kinds ...entities.EntityKind) error

	// Create declares the schema of the given kinds, every kind when none are given
	Create(ctx context.Context, kinds ...entities.EntityKind) error

	IndexDiagnoses(ctx context.Context, rows []*entities.DiagnosisCode) error
	IndexProcedures(ctx context.Context, rows []*entities.ProcedureCode) error
	IndexMappings(ctx context.Context, rows []*entities.AppropriatenessMapping) error
	IndexDocuments(ctx context.Context, rows []*entities.ClinicalDocument) error

	// Count returns the number of indexed documents of a kind
	Count(ctx context.Context, kind entities.EntityKind) (int, error)
}
