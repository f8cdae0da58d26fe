package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

func TestNormalizeTerms(t *testing.T) {
	got := normalizeTerms(3, []string{" Liver ", "iron", ""}, []string{"IRON", "ferritin", "abdomen"})
	assert.Equal(t, []string{"abdomen", "ferritin", "iron"}, got)
}

func TestDiagnosisDocumentRoundTrip(t *testing.T) {
	d := &entities.DiagnosisCode{
		Code:                         "E83.110",
		Description:                  "Hereditary hemochromatosis",
		ClinicalNotes:                "iron overload",
		RecommendedImagingModalities: []string{"MRI"},
		Category:                     "metabolic",
		Keywords:                     []string{"Iron", "ferritin"},
	}
	doc := diagnosisDocument(d)
	assert.Equal(t, "E83.110", doc["id"])

	back := diagnosisFromDocument(doc)
	assert.Equal(t, d.Code, back.Code)
	assert.Equal(t, d.ClinicalNotes, back.ClinicalNotes)
	assert.Equal(t, []string{"ferritin", "iron"}, back.Keywords)
}

func TestMappingFromDocument_JSONNumbers(t *testing.T) {
	m := mappingFromDocument(map[string]interface{}{
		"id":              "m1",
		"icd10_code":      "E83.110",
		"cpt_code":        "74183",
		"appropriateness": float64(7),
	})
	assert.Equal(t, 7, m.AppropriatenessScore)
	assert.Equal(t, "m1", m.ID)
}

func TestMappingID(t *testing.T) {
	assert.Equal(t, "E83.110:74183", mappingID(&entities.AppropriatenessMapping{ICD10Code: "E83.110", CPTCode: "74183"}))
	assert.Equal(t, "x", mappingID(&entities.AppropriatenessMapping{ID: "x"}))
}

func TestSplitCodes(t *testing.T) {
	icd, cpt := splitCodes([]string{"e83.110", "74183", " ", "R10"})
	assert.Equal(t, []string{"E83.110", "R10"}, icd)
	assert.Equal(t, []string{"74183"}, cpt)
}

func TestMergeDiagnoses(t *testing.T) {
	exact := []*entities.DiagnosisCode{{Code: "R10.11"}}
	ranked := []entities.ScoredDiagnosis{
		{Diagnosis: &entities.DiagnosisCode{Code: "B"}, Score: 0.5},
		{Diagnosis: &entities.DiagnosisCode{Code: "A"}, Score: 0.5},
		{Diagnosis: &entities.DiagnosisCode{Code: "R10.11"}, Score: 0.9},
		{Diagnosis: &entities.DiagnosisCode{Code: "C"}, Score: 0.1},
	}
	got := mergeDiagnoses(exact, ranked, 3)

	codes := make([]string, len(got))
	for i, h := range got {
		codes[i] = h.Diagnosis.Code
	}
	assert.Equal(t, []string{"R10.11", "A", "B"}, codes)
}

func TestExactFilter(t *testing.T) {
	assert.Equal(t, "code:=[`E83.110`,`R10`]", exactFilter("code", []string{"E83.110", "R`10"}))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(0))
	assert.Equal(t, 5, clampLimit(5))
	assert.Equal(t, maxPerPage, clampLimit(1000))
}
