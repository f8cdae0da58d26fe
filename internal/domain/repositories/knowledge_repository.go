package repositories

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// KnowledgeRepository reads the four reference tables. The List methods page
// by key (code or mapping ID) so batch loaders can resume after a checkpoint.
type KnowledgeRepository interface {
	// ListDiagnoses returns up to limit diagnoses with code > afterCode, ordered by code
	ListDiagnoses(ctx context.Context, afterCode string, limit int) ([]*entities.DiagnosisCode, error)

	// ListProcedures returns up to limit procedures with code > afterCode, ordered by code
	ListProcedures(ctx context.Context, afterCode string, limit int) ([]*entities.ProcedureCode, error)

	// ListMappings returns up to limit mappings with id > afterID, ordered by id
	ListMappings(ctx context.Context, afterID string, limit int) ([]*entities.AppropriatenessMapping, error)

	// ListDocuments returns up to limit documents with code > afterCode, ordered by code
	ListDocuments(ctx context.Context, afterCode string, limit int) ([]*entities.ClinicalDocument, error)

	// Count returns the number of rows for an entity kind
	Count(ctx context.Context, kind entities.EntityKind) (int, error)

	// SearchDiagnoses ranks diagnoses by the share of terms they match
	SearchDiagnoses(ctx context.Context, terms []string, limit int) ([]entities.ScoredDiagnosis, error)

	// SearchProcedures ranks procedures by the share of terms they match
	SearchProcedures(ctx context.Context, terms []string, limit int) ([]entities.ScoredProcedure, error)

	// GetDiagnosesByCodes fetches diagnoses by exact code
	GetDiagnosesByCodes(ctx context.Context, codes []string) ([]*entities.DiagnosisCode, error)

	// GetProceduresByCodes fetches procedures by exact code
	GetProceduresByCodes(ctx context.Context, codes []string) ([]*entities.ProcedureCode, error)

	// GetMappings returns mappings touching any of the given codes, with
	// descriptions joined in
	GetMappings(ctx context.Context, icd10Codes, cptCodes []string, limit int) ([]*entities.AppropriatenessMapping, error)

	// GetDocuments returns clinical documents for the given diagnosis codes
	GetDocuments(ctx context.Context, icd10Codes []string) ([]*entities.ClinicalDocument, error)
}
