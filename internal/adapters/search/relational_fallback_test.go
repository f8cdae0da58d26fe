package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
)

type fakeKnowledge struct {
	repositories.KnowledgeRepository

	mu        sync.Mutex
	searchErr error
	mappingsQ [][]string
}

func (f *fakeKnowledge) SearchDiagnoses(_ context.Context, terms []string, _ int) ([]entities.ScoredDiagnosis, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []entities.ScoredDiagnosis{
		{Diagnosis: &entities.DiagnosisCode{Code: "R10.11"}, Score: 0.25},
		{Diagnosis: &entities.DiagnosisCode{Code: "E83.110"}, Score: 0.75},
	}, nil
}

func (f *fakeKnowledge) SearchProcedures(context.Context, []string, int) ([]entities.ScoredProcedure, error) {
	return []entities.ScoredProcedure{{Procedure: &entities.ProcedureCode{Code: "74183"}, Score: 0.5}}, nil
}

func (f *fakeKnowledge) GetDiagnosesByCodes(_ context.Context, codes []string) ([]*entities.DiagnosisCode, error) {
	out := make([]*entities.DiagnosisCode, 0, len(codes))
	for _, c := range codes {
		out = append(out, &entities.DiagnosisCode{Code: c})
	}
	return out, nil
}

func (f *fakeKnowledge) GetProceduresByCodes(context.Context, []string) ([]*entities.ProcedureCode, error) {
	return nil, nil
}

func (f *fakeKnowledge) GetMappings(_ context.Context, icd, cpt []string, _ int) ([]*entities.AppropriatenessMapping, error) {
	f.mu.Lock()
	f.mappingsQ = append(f.mappingsQ, append(append([]string{}, icd...), cpt...))
	f.mu.Unlock()
	return []*entities.AppropriatenessMapping{
		{ICD10Code: "R10.11", CPTCode: "74183", AppropriatenessScore: 5},
		{ICD10Code: "E83.110", CPTCode: "74183", AppropriatenessScore: 8},
	}, nil
}

func (f *fakeKnowledge) GetDocuments(_ context.Context, codes []string) ([]*entities.ClinicalDocument, error) {
	return []*entities.ClinicalDocument{{ICD10Code: "E83.110", Content: "iron"}}, nil
}

func TestRelationalSearch_MergesAndOrders(t *testing.T) {
	repo := &fakeKnowledge{}
	s := NewRelationalSearch(repo)

	res, err := s.Search(context.Background(), providers.SearchQuery{
		Keywords: keywords("ferritin", "quadrant"),
		Codes:    []string{"k52.9"},
		Limit:    10,
	})
	require.NoError(t, err)

	assert.Equal(t, "relational", res.Source)
	assert.Equal(t, []string{"K52.9", "E83.110", "R10.11"}, res.DiagnosisCodes())
	assert.Equal(t, []string{"74183"}, res.ProcedureCodes())
	require.Len(t, res.Mappings, 2)
	assert.Equal(t, 8, res.Mappings[0].AppropriatenessScore)
	require.Len(t, repo.mappingsQ, 1)
	assert.Equal(t, []string{"K52.9", "E83.110", "R10.11", "74183"}, repo.mappingsQ[0])
	assert.Len(t, res.Documents, 1)
}

func TestRelationalSearch_Error(t *testing.T) {
	s := NewRelationalSearch(&fakeKnowledge{searchErr: errors.New("boom")})

	_, err := s.Search(context.Background(), providers.SearchQuery{Keywords: keywords("ferritin")})
	assert.ErrorContains(t, err, "boom")
}

func TestRelationalSearch_NoTermsNoCodes(t *testing.T) {
	repo := &fakeKnowledge{}
	res, err := NewRelationalSearch(repo).Search(context.Background(), providers.SearchQuery{})
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
	assert.Empty(t, repo.mappingsQ)
}
