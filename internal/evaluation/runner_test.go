package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// splitExtractor keeps every word, tagging anything with a digit as a code.
type splitExtractor struct{}

func (splitExtractor) Extract(text string) []entities.Keyword {
	var out []entities.Keyword
	for _, f := range strings.Fields(strings.ToLower(text)) {
		category := entities.CategorySymptom
		if strings.ContainsAny(f, "0123456789") {
			category = entities.CategoryCodeLiteral
		}
		out = append(out, entities.Keyword{Term: f, Category: category})
	}
	return out
}

// cannedIndex answers by the first keyword term.
type cannedIndex struct {
	results map[string]*entities.SearchResult
	queries []providers.SearchQuery
}

func (c *cannedIndex) Name() string { return "canned" }

func (c *cannedIndex) Search(_ context.Context, q providers.SearchQuery) (*entities.SearchResult, error) {
	c.queries = append(c.queries, q)
	if r, ok := c.results[q.Keywords[0].Term]; ok {
		return r, nil
	}
	return nil, errors.New("index unavailable")
}

func diagnoses(codes ...string) []entities.ScoredDiagnosis {
	out := make([]entities.ScoredDiagnosis, len(codes))
	for i, c := range codes {
		out[i] = entities.ScoredDiagnosis{Diagnosis: &entities.DiagnosisCode{Code: c}, Score: float64(len(codes) - i)}
	}
	return out
}

func procedures(codes ...string) []entities.ScoredProcedure {
	out := make([]entities.ScoredProcedure, len(codes))
	for i, c := range codes {
		out[i] = entities.ScoredProcedure{Procedure: &entities.ProcedureCode{Code: c}, Score: float64(len(codes) - i)}
	}
	return out
}

func TestRunner_AggregatesRecallByKind(t *testing.T) {
	index := &cannedIndex{results: map[string]*entities.SearchResult{
		"hemochromatosis": {Diagnoses: diagnoses("K76.0", "E83.110"), Procedures: procedures("74183"), Source: "bleve"},
		"mri":             {Procedures: procedures("74181"), Source: "postgres"},
		"knee":            {Source: "bleve"},
	}}
	runner := NewRunner(splitExtractor{}, index, 5)

	summary, err := runner.Run(context.Background(), []GoldenDictation{
		{ID: "d1", Dictation: "hemochromatosis E83.110", Focus: FocusMixed, ExpectedICD10: []string{"E83.110"}, ExpectedCPT: []string{"74183"}},
		{ID: "d2", Dictation: "MRI abdomen", Focus: FocusProcedure, ExpectedCPT: []string{"74183"}},
		{ID: "d3", Dictation: "knee pain", Focus: FocusDiagnosis, ExpectedICD10: []string{"M25.561"}},
		{ID: "d4", Dictation: "unindexed", Focus: FocusDiagnosis, ExpectedICD10: []string{"R51"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.TopN)
	assert.Equal(t, 4, summary.TotalDictations)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.DictationsWithoutHits)
	assert.Equal(t, map[string]int{"bleve": 2, "postgres": 1}, summary.BySource)

	// Diagnosis: d1 recall 1 (MRR 1/2), d3 recall 0.
	assert.InDelta(t, 0.5, summary.AvgDiagnosisRecall, floatTolerance)
	assert.InDelta(t, 0.25, summary.AvgDiagnosisMRR, floatTolerance)
	// Procedure: d1 recall 1, d2 recall 0.
	assert.InDelta(t, 0.5, summary.AvgProcedureRecall, floatTolerance)

	require.Contains(t, summary.ByFocus, FocusMixed)
	assert.Equal(t, 1, summary.ByFocus[FocusMixed].Count)
	assert.InDelta(t, 1.0, summary.ByFocus[FocusMixed].AvgProcedureRecall, floatTolerance)
	assert.Equal(t, 1, summary.ByFocus[FocusDiagnosis].Count)

	require.Len(t, summary.Results, 4)
	assert.Equal(t, "index unavailable", summary.Results[3].Error)
	assert.Equal(t, []string{"K76.0", "E83.110"}, summary.Results[0].RetrievedDiagnoses)

	// Code literals travel with the query, as in the context assembler.
	assert.Equal(t, []string{"E83.110"}, index.queries[0].Codes)
	assert.Equal(t, 5, index.queries[0].Limit)
}

func TestRunner_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(splitExtractor{}, &cannedIndex{}, 0).Run(ctx, []GoldenDictation{{ID: "d1", Dictation: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}
