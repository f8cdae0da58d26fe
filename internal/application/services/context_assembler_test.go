package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/cache"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

var (
	fixtureDiagnoses = []*entities.DiagnosisCode{
		{
			Code:          "E83.110",
			Description:   "Hereditary hemochromatosis",
			ClinicalNotes: "Iron overload with chronic diarrhea and elevated ferritin",
			Category:      "metabolic",
			Keywords:      []string{"ferritin", "iron"},
		},
		{Code: "K52.9", Description: "Noninfective gastroenteritis and colitis", ClinicalNotes: "chronic diarrhea"},
		{Code: "S82.001A", Description: "Fracture of patella"},
	}
	fixtureProcedures = []*entities.ProcedureCode{
		{Code: "74183", Description: "MRI abdomen without and with contrast", Modality: "MRI", BodyPart: "abdomen"},
		{Code: "73560", Description: "X-ray knee", Modality: "XR", BodyPart: "knee"},
	}
	fixtureMappings = []*entities.AppropriatenessMapping{
		{ID: "m1", ICD10Code: "E83.110", CPTCode: "74183", AppropriatenessScore: 8, EvidenceSource: "ACR"},
		{ID: "m2", ICD10Code: "S82.001A", CPTCode: "73560", AppropriatenessScore: 9},
	}
	fixtureDocuments = []*entities.ClinicalDocument{
		{ICD10Code: "E83.110", Content: "MRI quantifies hepatic iron deposition."},
	}
)

// countingIndex records queries and returns a fixed result.
type countingIndex struct {
	mu      sync.Mutex
	calls   int
	queries []providers.SearchQuery
	result  *entities.SearchResult
	err     error
}

func (c *countingIndex) Name() string { return "counting" }

func (c *countingIndex) Search(_ context.Context, q providers.SearchQuery) (*entities.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.queries = append(c.queries, q)
	return c.result, c.err
}

// memoryKnowledge answers relational queries by substring match over the fixtures.
type memoryKnowledge struct {
	repositories.KnowledgeRepository
}

func matchRatio(terms []string, fields ...string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(strings.Join(fields, " "))
	matched := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func (memoryKnowledge) SearchDiagnoses(_ context.Context, terms []string, limit int) ([]entities.ScoredDiagnosis, error) {
	var out []entities.ScoredDiagnosis
	for _, d := range fixtureDiagnoses {
		if s := matchRatio(terms, d.Description, d.ClinicalNotes, strings.Join(d.Keywords, " ")); s > 0 {
			out = append(out, entities.ScoredDiagnosis{Diagnosis: d, Score: s})
		}
	}
	entities.SortDiagnoses(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (memoryKnowledge) SearchProcedures(_ context.Context, terms []string, limit int) ([]entities.ScoredProcedure, error) {
	var out []entities.ScoredProcedure
	for _, p := range fixtureProcedures {
		if s := matchRatio(terms, p.Description, p.Modality, p.BodyPart); s > 0 {
			out = append(out, entities.ScoredProcedure{Procedure: p, Score: s})
		}
	}
	entities.SortProcedures(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (memoryKnowledge) GetDiagnosesByCodes(_ context.Context, codes []string) ([]*entities.DiagnosisCode, error) {
	var out []*entities.DiagnosisCode
	for _, d := range fixtureDiagnoses {
		for _, c := range codes {
			if d.Code == c {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (memoryKnowledge) GetProceduresByCodes(_ context.Context, codes []string) ([]*entities.ProcedureCode, error) {
	var out []*entities.ProcedureCode
	for _, p := range fixtureProcedures {
		for _, c := range codes {
			if p.Code == c {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (memoryKnowledge) GetMappings(_ context.Context, icd10Codes, cptCodes []string, limit int) ([]*entities.AppropriatenessMapping, error) {
	wanted := make(map[string]bool)
	for _, c := range append(append([]string{}, icd10Codes...), cptCodes...) {
		wanted[c] = true
	}
	var out []*entities.AppropriatenessMapping
	for _, m := range fixtureMappings {
		if wanted[m.ICD10Code] || wanted[m.CPTCode] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (memoryKnowledge) GetDocuments(_ context.Context, icd10Codes []string) ([]*entities.ClinicalDocument, error) {
	var out []*entities.ClinicalDocument
	for _, d := range fixtureDocuments {
		for _, c := range icd10Codes {
			if d.ICD10Code == c {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func seededBleve(t *testing.T) *search.BleveIndex {
	t.Helper()
	ctx := context.Background()
	idx, err := search.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.IndexDiagnoses(ctx, fixtureDiagnoses))
	require.NoError(t, idx.IndexProcedures(ctx, fixtureProcedures))
	require.NoError(t, idx.IndexMappings(ctx, fixtureMappings))
	require.NoError(t, idx.IndexDocuments(ctx, fixtureDocuments))
	return idx
}

// sectionCodes returns the leading code of every entry in a section.
func sectionCodes(block, header string) []string {
	start := strings.Index(block, header)
	if start < 0 {
		return nil
	}
	body := block[start+len(header):]
	if next := strings.Index(body, "\n-- "); next >= 0 {
		body = body[:next]
	}
	var codes []string
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		codes = append(codes, strings.Fields(line)[0])
	}
	return codes
}

func TestContextAssembler_EmptyKeywordsReturnSentinel(t *testing.T) {
	idx := &countingIndex{}
	a := NewContextAssembler(NewKeywordExtractor(), idx, nil, DefaultContextAssemblerConfig(), nil)

	block, err := a.Assemble(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, NoContextSentinel, block)
	assert.Zero(t, idx.calls)

	block, err = a.AssembleForDictation(context.Background(), "and the of")
	require.NoError(t, err)
	assert.Equal(t, NoContextSentinel, block)
}

func TestContextAssembler_EndToEndHemochromatosis(t *testing.T) {
	a := NewContextAssembler(NewKeywordExtractor(), seededBleve(t), nil, DefaultContextAssemblerConfig(), nil)

	block, err := a.AssembleForDictation(context.Background(),
		"Chronic diarrhea, right upper quadrant pain, elevated ferritin. Please evaluate.")
	require.NoError(t, err)

	diagnoses := sectionCodes(block, SectionDiagnoses)
	assert.Contains(t, diagnoses, "E83.110")
	assert.LessOrEqual(t, len(diagnoses), 10)
	assert.Contains(t, block, "E83.110 - Hereditary hemochromatosis")
	assert.Contains(t, block, SectionMappings)
	assert.Contains(t, block, "Appropriateness: 8/9")
	assert.Contains(t, block, SectionDocuments)
}

func TestContextAssembler_Deterministic(t *testing.T) {
	a := NewContextAssembler(NewKeywordExtractor(), seededBleve(t), nil, DefaultContextAssemblerConfig(), nil)
	dictation := "chronic diarrhea with elevated ferritin, MRI abdomen requested"

	first, err := a.AssembleForDictation(context.Background(), dictation)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := a.AssembleForDictation(context.Background(), dictation)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestContextAssembler_FallbackYieldsSameCodes(t *testing.T) {
	dictation := "chronic diarrhea, elevated ferritin"
	cfg := DefaultContextAssemblerConfig()

	indexed := NewContextAssembler(NewKeywordExtractor(), seededBleve(t), nil, cfg, nil)
	degraded := NewContextAssembler(NewKeywordExtractor(),
		search.NewFallbackSearch(nil, search.NewRelationalSearch(memoryKnowledge{}), search.BreakerSettings{}, nil),
		nil, cfg, nil)

	a, err := indexed.AssembleForDictation(context.Background(), dictation)
	require.NoError(t, err)
	b, err := degraded.AssembleForDictation(context.Background(), dictation)
	require.NoError(t, err)

	for _, header := range []string{SectionDiagnoses, SectionProcedures, SectionMappings} {
		left, right := sectionCodes(a, header), sectionCodes(b, header)
		sort.Strings(left)
		sort.Strings(right)
		assert.Equal(t, left, right, header)
	}
	assert.Equal(t, []string{"E83.110", "K52.9"}, sorted(sectionCodes(b, SectionDiagnoses)))
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestContextAssembler_CodeLiteralsPassedThrough(t *testing.T) {
	idx := &countingIndex{result: &entities.SearchResult{}}
	a := NewContextAssembler(NewKeywordExtractor(), idx, nil, ContextAssemblerConfig{TopN: 5}, nil)

	block, err := a.AssembleForDictation(context.Background(), "r/o E83.110 with fatigue")
	require.NoError(t, err)
	assert.Equal(t, NoContextSentinel, block)

	require.Len(t, idx.queries, 1)
	assert.Equal(t, []string{"E83.110"}, idx.queries[0].Codes)
	assert.Equal(t, 5, idx.queries[0].Limit)
}

func TestContextAssembler_CacheShortCircuits(t *testing.T) {
	idx := &countingIndex{result: &entities.SearchResult{
		Diagnoses: []entities.ScoredDiagnosis{{Diagnosis: fixtureDiagnoses[1], Score: 1}},
	}}
	store := cache.NewMemoryAdapter(0)
	a := NewContextAssembler(NewKeywordExtractor(), idx, store, DefaultContextAssemblerConfig(), nil)

	first, err := a.AssembleForDictation(context.Background(), "Chronic diarrhea for six weeks")
	require.NoError(t, err)
	second, err := a.AssembleForDictation(context.Background(), "chronic   DIARRHEA for six weeks")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, idx.calls)

	cached, err := store.Get(context.Background(), a.CacheKey("Chronic diarrhea for six weeks"))
	require.NoError(t, err)
	assert.Equal(t, first, string(cached))
}

func TestContextAssembler_CacheKeyPrefix(t *testing.T) {
	a := NewContextAssembler(NewKeywordExtractor(), &countingIndex{}, nil, ContextAssemblerConfig{CacheKeyChars: 20}, nil)

	k1 := a.CacheKey("Chronic diarrhea with weight loss")
	k2 := a.CacheKey("chronic  diarrhea with fever")
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "clinical_context:"))
	assert.Len(t, strings.TrimPrefix(k1, "clinical_context:"), 64)

	whole := NewContextAssembler(NewKeywordExtractor(), &countingIndex{}, nil, ContextAssemblerConfig{}, nil)
	assert.NotEqual(t,
		whole.CacheKey("Chronic diarrhea with weight loss"),
		whole.CacheKey("chronic  diarrhea with fever"))
}

func TestContextAssembler_CacheDisabledByZeroTTL(t *testing.T) {
	idx := &countingIndex{result: &entities.SearchResult{}}
	a := NewContextAssembler(NewKeywordExtractor(), idx, cache.NewMemoryAdapter(0), ContextAssemblerConfig{CacheTTL: 0}, nil)

	for i := 0; i < 2; i++ {
		_, err := a.AssembleForDictation(context.Background(), "persistent headache")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, idx.calls)
}

func TestContextAssembler_SearchFailureIsUnavailable(t *testing.T) {
	idx := &countingIndex{err: errors.New("db down")}
	a := NewContextAssembler(NewKeywordExtractor(), idx, nil, DefaultContextAssemblerConfig(), nil)

	_, err := a.AssembleForDictation(context.Background(), "persistent headache")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnavailable))
}

func TestFormatContext(t *testing.T) {
	result := &entities.SearchResult{
		Diagnoses: []entities.ScoredDiagnosis{
			{Diagnosis: &entities.DiagnosisCode{
				Code:                         "E83.110",
				Description:                  "Hereditary hemochromatosis",
				ClinicalNotes:                "Iron  overload\nsyndrome",
				RecommendedImagingModalities: []string{"MRI", "CT"},
				Category:                     "metabolic",
			}, Score: 2},
			{Diagnosis: &entities.DiagnosisCode{Code: "K52.9", Description: "Colitis"}, Score: 1},
		},
		Mappings: []*entities.AppropriatenessMapping{
			{ICD10Code: "E83.110", CPTCode: "74183", AppropriatenessScore: 8, CPTDescription: "MRI abdomen"},
		},
		Documents: []*entities.ClinicalDocument{{ICD10Code: "E83.110", Content: "word word word word"}},
	}

	want := strings.Join([]string{
		SectionDiagnoses,
		"E83.110 - Hereditary hemochromatosis | Clinical notes: Iron overload syndrome | Recommended imaging: MRI, CT | Category: metabolic",
		"",
		"K52.9 - Colitis",
		"",
		SectionMappings,
		"E83.110 -> 74183 - Hereditary hemochromatosis -> MRI abdomen | Appropriateness: 8/9",
		"",
		SectionDocuments,
		"E83.110:",
		"word word...",
	}, "\n")
	assert.Equal(t, want, FormatContext(result, 10))
}

func TestFormatContext_Empty(t *testing.T) {
	assert.Equal(t, NoContextSentinel, FormatContext(nil, 100))
	assert.Equal(t, NoContextSentinel, FormatContext(&entities.SearchResult{}, 100))
}

func TestDefaultContextAssemblerConfig(t *testing.T) {
	cfg := DefaultContextAssemblerConfig()
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 20, cfg.CacheKeyChars)
	assert.Equal(t, 10, cfg.TopN)
}
