package search

import (
	"context"
	"fmt"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"golang.org/x/sync/errgroup"
)

// RelationalSearch answers context queries straight from the reference tables.
type RelationalSearch struct {
	repo repositories.KnowledgeRepository
}

var _ providers.SearchIndex = (*RelationalSearch)(nil)

// NewRelationalSearch creates a search index backed by the relational store
func NewRelationalSearch(repo repositories.KnowledgeRepository) *RelationalSearch {
	return &RelationalSearch{repo: repo}
}

func (r *RelationalSearch) Name() string { return "relational" }

// Search runs the four lookups. Diagnoses and procedures are fetched in
// parallel, then mappings and documents for whatever matched.
func (r *RelationalSearch) Search(ctx context.Context, query providers.SearchQuery) (*entities.SearchResult, error) {
	limit := clampLimit(query.Limit)
	terms := query.Terms()
	icdCodes, cptCodes := splitCodes(query.Codes)

	var (
		exactDiagnoses   []*entities.DiagnosisCode
		exactProcedures  []*entities.ProcedureCode
		rankedDiagnoses  []entities.ScoredDiagnosis
		rankedProcedures []entities.ScoredProcedure
	)

	g, gctx := errgroup.WithContext(ctx)
	if len(icdCodes) > 0 {
		g.Go(func() (err error) {
			exactDiagnoses, err = r.repo.GetDiagnosesByCodes(gctx, icdCodes)
			return err
		})
	}
	if len(cptCodes) > 0 {
		g.Go(func() (err error) {
			exactProcedures, err = r.repo.GetProceduresByCodes(gctx, cptCodes)
			return err
		})
	}
	if len(terms) > 0 {
		g.Go(func() (err error) {
			rankedDiagnoses, err = r.repo.SearchDiagnoses(gctx, terms, limit)
			return err
		})
		g.Go(func() (err error) {
			rankedProcedures, err = r.repo.SearchProcedures(gctx, terms, limit)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("relational search: %w", err)
	}

	result := &entities.SearchResult{
		Diagnoses:  mergeDiagnoses(exactDiagnoses, rankedDiagnoses, limit),
		Procedures: mergeProcedures(exactProcedures, rankedProcedures, limit),
		Source:     r.Name(),
	}
	if result.IsEmpty() {
		return result, nil
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		result.Mappings, err = r.repo.GetMappings(gctx, result.DiagnosisCodes(), result.ProcedureCodes(), limit)
		return err
	})
	if codes := result.DiagnosisCodes(); len(codes) > 0 {
		g.Go(func() (err error) {
			result.Documents, err = r.repo.GetDocuments(gctx, codes)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("relational search: %w", err)
	}
	entities.SortMappings(result.Mappings)
	entities.SortDocuments(result.Documents)
	return result, nil
}
