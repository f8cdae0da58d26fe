package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	tsclient "github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/typesense"
)

// clinicalTypesense answers collection searches the way a loaded search
// cache would for the hemochromatosis fixtures.
type clinicalTypesense struct {
	mu      sync.Mutex
	queries map[string]string
}

func (f *clinicalTypesense) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "search" {
		http.NotFound(w, r)
		return
	}
	collection, q, filter := parts[1], r.URL.Query().Get("q"), r.URL.Query().Get("filter_by")

	f.mu.Lock()
	f.queries[collection] = q
	f.mu.Unlock()

	var docs []map[string]interface{}
	switch collection {
	case tsclient.DiagnosesCollection:
		if strings.Contains(q, "ferritin") {
			docs = append(docs, map[string]interface{}{
				"id": "E83.110", "code": "E83.110", "description": "Hereditary hemochromatosis",
				"clinical_notes": "Iron overload with chronic diarrhea and elevated ferritin", "category": "metabolic",
			})
		}
		if strings.Contains(q, "diarrhea") {
			docs = append(docs, map[string]interface{}{"id": "K52.9", "code": "K52.9", "description": "Noninfective gastroenteritis and colitis"})
		}
	case tsclient.ProceduresCollection:
		if strings.Contains(q, "quadrant") {
			docs = append(docs, map[string]interface{}{"id": "74183", "code": "74183", "description": "MRI abdomen without and with contrast"})
		}
	case tsclient.MappingsCollection:
		if strings.Contains(filter, "E83.110") {
			docs = append(docs, map[string]interface{}{
				"id": "m1", "icd10_code": "E83.110", "cpt_code": "74183", "appropriateness": 8,
				"icd10_description": "Hereditary hemochromatosis", "cpt_description": "MRI abdomen",
			})
		}
	case tsclient.DocumentsCollection:
		if strings.Contains(filter, "E83.110") {
			docs = append(docs, map[string]interface{}{"id": "E83.110", "icd10_code": "E83.110", "content": "MRI quantifies hepatic iron deposition."})
		}
	}

	hits := make([]map[string]interface{}, 0, len(docs))
	for i, d := range docs {
		hits = append(hits, map[string]interface{}{"document": d, "text_match": 100 - i, "highlights": []interface{}{}})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"found": len(hits), "out_of": len(hits), "page": 1, "search_time_ms": 1, "hits": hits,
	})
}

func TestContextAssembler_EndToEndHemochromatosisTypesense(t *testing.T) {
	fake := &clinicalTypesense{queries: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	idx := search.NewTypesenseIndex(tsclient.NewClientFromTypesense(typesense.NewClient(
		typesense.WithServer(srv.URL),
		typesense.WithAPIKey("test"),
	)))
	a := NewContextAssembler(NewKeywordExtractor(), idx, nil, DefaultContextAssemblerConfig(), nil)

	block, err := a.AssembleForDictation(context.Background(),
		"Chronic diarrhea, right upper quadrant pain, elevated ferritin. Please evaluate.")
	require.NoError(t, err)

	diagnoses := sectionCodes(block, SectionDiagnoses)
	assert.Equal(t, "E83.110", diagnoses[0])
	assert.Contains(t, diagnoses, "K52.9")
	assert.LessOrEqual(t, len(diagnoses), 10)
	assert.Contains(t, block, "E83.110 - Hereditary hemochromatosis")
	assert.Contains(t, block, "Appropriateness: 8/9")
	assert.Contains(t, block, "MRI quantifies hepatic iron deposition.")

	q := fake.queries[tsclient.DiagnosesCollection]
	assert.Contains(t, q, "ferritin")
	assert.NotContains(t, q, "please")
}
