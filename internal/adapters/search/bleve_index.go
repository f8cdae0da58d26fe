package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// ErrIndexUnavailable is returned while the index is dropped mid-rebuild.
var ErrIndexUnavailable = errors.New("search index unavailable")

// sourceField holds the JSON-encoded entity; it is stored but not indexed.
const sourceField = "source"

// mappingFetchSize bounds how many mappings are pulled before sorting.
const mappingFetchSize = 1000

// BleveIndex is an in-process search cache with one Bleve index per entity
// kind. An empty path keeps everything in memory.
type BleveIndex struct {
	mu      sync.RWMutex
	path    string
	indexes map[entities.EntityKind]bleve.Index
}

var (
	_ providers.SearchIndex       = (*BleveIndex)(nil)
	_ providers.SearchIndexWriter = (*BleveIndex)(nil)
)

// NewBleveIndex opens the indexes under path, creating any that are missing.
// With an empty path the indexes live in memory.
func NewBleveIndex(path string) (*BleveIndex, error) {
	b := &BleveIndex{path: path}
	if err := b.Create(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BleveIndex) Name() string { return "bleve" }

func (b *BleveIndex) kindPath(kind entities.EntityKind) string {
	return filepath.Join(b.path, string(kind))
}

func kindMapping(kind entities.EntityKind) *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()
	dm.Dynamic = false

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = false

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	dm.AddFieldMappingsAt(sourceField, source)

	switch kind {
	case entities.KindDiagnosis:
		dm.AddFieldMappingsAt("code", keyword)
		dm.AddFieldMappingsAt("description", text)
		dm.AddFieldMappingsAt("clinical_notes", text)
		dm.AddFieldMappingsAt("keywords", text)
	case entities.KindProcedure:
		dm.AddFieldMappingsAt("code", keyword)
		dm.AddFieldMappingsAt("description", text)
		dm.AddFieldMappingsAt("modality", text)
		dm.AddFieldMappingsAt("body_part", text)
		dm.AddFieldMappingsAt("keywords", text)
	case entities.KindMapping:
		dm.AddFieldMappingsAt("icd10_code", keyword)
		dm.AddFieldMappingsAt("cpt_code", keyword)
	case entities.KindDocument:
		dm.AddFieldMappingsAt("icd10_code", keyword)
	}

	im.DefaultMapping = dm
	return im
}

// Create opens or creates the indexes of the given kinds, all when none are given
func (b *BleveIndex) Create(_ context.Context, kinds ...entities.EntityKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexes == nil {
		b.indexes = make(map[entities.EntityKind]bleve.Index)
	}
	if len(kinds) == 0 {
		kinds = entities.AllEntityKinds
	}
	for _, kind := range kinds {
		if _, ok := b.indexes[kind]; ok {
			continue
		}
		idx, err := b.openOrCreate(kind)
		if err != nil {
			return err
		}
		b.indexes[kind] = idx
	}
	return nil
}

func (b *BleveIndex) openOrCreate(kind entities.EntityKind) (bleve.Index, error) {
	if b.path == "" {
		idx, err := bleve.NewMemOnly(kindMapping(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory %s index: %w", kind, err)
		}
		return idx, nil
	}

	p := b.kindPath(kind)
	if _, err := os.Stat(p); err == nil {
		idx, err := bleve.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s index: %w", kind, err)
		}
		return idx, nil
	}
	if err := os.MkdirAll(b.path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	idx, err := bleve.New(p, kindMapping(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s index: %w", kind, err)
	}
	return idx, nil
}

// Drop closes and removes the indexes of the given kinds, all when none are given
func (b *BleveIndex) Drop(_ context.Context, kinds ...entities.EntityKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(kinds) == 0 {
		kinds = entities.AllEntityKinds
	}
	for _, kind := range kinds {
		if idx, ok := b.indexes[kind]; ok {
			if err := idx.Close(); err != nil {
				return fmt.Errorf("failed to close %s index: %w", kind, err)
			}
			delete(b.indexes, kind)
		}
		if b.path != "" {
			if err := os.RemoveAll(b.kindPath(kind)); err != nil {
				return fmt.Errorf("failed to remove %s index: %w", kind, err)
			}
		}
	}
	return nil
}

// Close releases the indexes without removing them
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, idx := range b.indexes {
		if err := idx.Close(); err != nil {
			return err
		}
		delete(b.indexes, kind)
	}
	return nil
}

func (b *BleveIndex) index(kind entities.EntityKind) (bleve.Index, error) {
	idx, ok := b.indexes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnavailable, kind)
	}
	return idx, nil
}

func (b *BleveIndex) indexBatch(kind entities.EntityKind, docs []map[string]interface{}, sources []interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, err := b.index(kind)
	if err != nil {
		return err
	}
	batch := idx.NewBatch()
	for i, doc := range docs {
		doc[sourceField] = marshalSource(sources[i])
		if err := batch.Index(stringField(doc, "id"), doc); err != nil {
			return fmt.Errorf("failed to queue %s document: %w", kind, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to index %s batch: %w", kind, err)
	}
	return nil
}

func (b *BleveIndex) IndexDiagnoses(_ context.Context, rows []*entities.DiagnosisCode) error {
	docs := make([]map[string]interface{}, len(rows))
	sources := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i], sources[i] = diagnosisDocument(r), r
	}
	return b.indexBatch(entities.KindDiagnosis, docs, sources)
}

func (b *BleveIndex) IndexProcedures(_ context.Context, rows []*entities.ProcedureCode) error {
	docs := make([]map[string]interface{}, len(rows))
	sources := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i], sources[i] = procedureDocument(r), r
	}
	return b.indexBatch(entities.KindProcedure, docs, sources)
}

func (b *BleveIndex) IndexMappings(_ context.Context, rows []*entities.AppropriatenessMapping) error {
	docs := make([]map[string]interface{}, len(rows))
	sources := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i], sources[i] = mappingDocument(r), r
	}
	return b.indexBatch(entities.KindMapping, docs, sources)
}

func (b *BleveIndex) IndexDocuments(_ context.Context, rows []*entities.ClinicalDocument) error {
	docs := make([]map[string]interface{}, len(rows))
	sources := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i], sources[i] = documentDocument(r), r
	}
	return b.indexBatch(entities.KindDocument, docs, sources)
}

// Count returns the number of documents indexed for a kind
func (b *BleveIndex) Count(_ context.Context, kind entities.EntityKind) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, err := b.index(kind)
	if err != nil {
		return 0, err
	}
	n, err := idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s index: %w", kind, err)
	}
	return int(n), nil
}

// Search ranks diagnoses and procedures with weighted match queries, then
// attaches mappings and documents for the hits
func (b *BleveIndex) Search(ctx context.Context, query providers.SearchQuery) (*entities.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := clampLimit(query.Limit)
	terms := query.Terms()
	icdCodes, cptCodes := splitCodes(query.Codes)

	var exactDiagnoses []*entities.DiagnosisCode
	if len(icdCodes) > 0 {
		hits, err := b.run(ctx, entities.KindDiagnosis, bleve.NewDocIDQuery(icdCodes), len(icdCodes), []string{"_id"})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			d := &entities.DiagnosisCode{}
			if err := json.Unmarshal(h.source, d); err == nil {
				exactDiagnoses = append(exactDiagnoses, d)
			}
		}
	}

	var exactProcedures []*entities.ProcedureCode
	if len(cptCodes) > 0 {
		hits, err := b.run(ctx, entities.KindProcedure, bleve.NewDocIDQuery(cptCodes), len(cptCodes), []string{"_id"})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			p := &entities.ProcedureCode{}
			if err := json.Unmarshal(h.source, p); err == nil {
				exactProcedures = append(exactProcedures, p)
			}
		}
	}

	var rankedDiagnoses []entities.ScoredDiagnosis
	var rankedProcedures []entities.ScoredProcedure
	if len(terms) > 0 {
		q := weightedQuery(terms, map[string]float64{"description": 3, "keywords": 2, "clinical_notes": 1})
		hits, err := b.run(ctx, entities.KindDiagnosis, q, limit, []string{"-_score", "_id"})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			d := &entities.DiagnosisCode{}
			if err := json.Unmarshal(h.source, d); err == nil {
				rankedDiagnoses = append(rankedDiagnoses, entities.ScoredDiagnosis{Diagnosis: d, Score: h.score})
			}
		}

		q = weightedQuery(terms, map[string]float64{"description": 3, "keywords": 2, "modality": 1, "body_part": 1})
		hits, err = b.run(ctx, entities.KindProcedure, q, limit, []string{"-_score", "_id"})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			p := &entities.ProcedureCode{}
			if err := json.Unmarshal(h.source, p); err == nil {
				rankedProcedures = append(rankedProcedures, entities.ScoredProcedure{Procedure: p, Score: h.score})
			}
		}
	}

	result := &entities.SearchResult{
		Diagnoses:  mergeDiagnoses(exactDiagnoses, rankedDiagnoses, limit),
		Procedures: mergeProcedures(exactProcedures, rankedProcedures, limit),
		Source:     b.Name(),
	}
	if result.IsEmpty() {
		return result, nil
	}

	mappings, err := b.mappings(ctx, result.DiagnosisCodes(), result.ProcedureCodes(), limit)
	if err != nil {
		return nil, err
	}
	result.Mappings = mappings

	diagnosisCodes := result.DiagnosisCodes()
	hits, err := b.run(ctx, entities.KindDocument, bleve.NewDocIDQuery(diagnosisCodes), len(diagnosisCodes), []string{"_id"})
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		d := &entities.ClinicalDocument{}
		if err := json.Unmarshal(h.source, d); err == nil {
			result.Documents = append(result.Documents, d)
		}
	}
	return result, nil
}

func (b *BleveIndex) mappings(ctx context.Context, icd10Codes, cptCodes []string, limit int) ([]*entities.AppropriatenessMapping, error) {
	var clauses []blevequery.Query
	for _, c := range icd10Codes {
		tq := bleve.NewTermQuery(c)
		tq.SetField("icd10_code")
		clauses = append(clauses, tq)
	}
	for _, c := range cptCodes {
		tq := bleve.NewTermQuery(c)
		tq.SetField("cpt_code")
		clauses = append(clauses, tq)
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	hits, err := b.run(ctx, entities.KindMapping, bleve.NewDisjunctionQuery(clauses...), mappingFetchSize, []string{"_id"})
	if err != nil {
		return nil, err
	}
	out := make([]*entities.AppropriatenessMapping, 0, len(hits))
	for _, h := range hits {
		m := &entities.AppropriatenessMapping{}
		if err := json.Unmarshal(h.source, m); err == nil {
			out = append(out, m)
		}
	}
	entities.SortMappings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type bleveHit struct {
	source []byte
	score  float64
}

func (b *BleveIndex) run(ctx context.Context, kind entities.EntityKind, q blevequery.Query, size int, sortBy []string) ([]bleveHit, error) {
	idx, err := b.index(kind)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	req.Fields = []string{sourceField}
	req.SortBy(sortBy)

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve %s search failed: %w", kind, err)
	}

	out := make([]bleveHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		src, ok := hit.Fields[sourceField].(string)
		if !ok {
			continue
		}
		out = append(out, bleveHit{source: []byte(src), score: hit.Score})
	}
	return out, nil
}

// weightedQuery ORs one boosted match query per (term, field) pair, so
// documents matching more terms score higher.
func weightedQuery(terms []string, weights map[string]float64) blevequery.Query {
	fields := make([]string, 0, len(weights))
	for f := range weights {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	clauses := make([]blevequery.Query, 0, len(terms)*len(fields))
	for _, term := range terms {
		for _, f := range fields {
			mq := bleve.NewMatchQuery(term)
			mq.SetField(f)
			mq.SetBoost(weights[f])
			clauses = append(clauses, mq)
		}
	}
	return bleve.NewDisjunctionQuery(clauses...)
}
