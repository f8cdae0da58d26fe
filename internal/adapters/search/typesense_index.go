package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	tsclient "github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/typesense"
)

// maxPerPage is Typesense's page size ceiling.
const maxPerPage = 250

// TypesenseIndex serves context queries from the Typesense search cache
type TypesenseIndex struct {
	client *tsclient.Client
}

var (
	_ providers.SearchIndex       = (*TypesenseIndex)(nil)
	_ providers.SearchIndexWriter = (*TypesenseIndex)(nil)
)

// NewTypesenseIndex creates a new Typesense-backed search index
func NewTypesenseIndex(client *tsclient.Client) *TypesenseIndex {
	return &TypesenseIndex{client: client}
}

func (i *TypesenseIndex) Name() string { return "typesense" }

// Search ranks diagnoses and procedures by text match, then pulls the
// mappings and documents attached to the hits
func (i *TypesenseIndex) Search(ctx context.Context, query providers.SearchQuery) (*entities.SearchResult, error) {
	limit := clampLimit(query.Limit)
	terms := query.Terms()
	icdCodes, cptCodes := splitCodes(query.Codes)

	exactDiagnoses, err := i.lookupDiagnoses(ctx, icdCodes)
	if err != nil {
		return nil, err
	}
	exactProcedures, err := i.lookupProcedures(ctx, cptCodes)
	if err != nil {
		return nil, err
	}

	var rankedDiagnoses []entities.ScoredDiagnosis
	var rankedProcedures []entities.ScoredProcedure
	if len(terms) > 0 {
		q := strings.Join(terms, " ")
		hits, err := i.rankedHits(ctx, tsclient.DiagnosesCollection, q, "description,keywords,clinical_notes", "3,2,1", limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			rankedDiagnoses = append(rankedDiagnoses, entities.ScoredDiagnosis{Diagnosis: diagnosisFromDocument(h.doc), Score: h.score})
		}

		hits, err = i.rankedHits(ctx, tsclient.ProceduresCollection, q, "description,keywords,modality,body_part", "3,2,1,1", limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			rankedProcedures = append(rankedProcedures, entities.ScoredProcedure{Procedure: procedureFromDocument(h.doc), Score: h.score})
		}
	}

	result := &entities.SearchResult{
		Diagnoses:  mergeDiagnoses(exactDiagnoses, rankedDiagnoses, limit),
		Procedures: mergeProcedures(exactProcedures, rankedProcedures, limit),
		Source:     i.Name(),
	}
	if result.IsEmpty() {
		return result, nil
	}

	if result.Mappings, err = i.mappings(ctx, result.DiagnosisCodes(), result.ProcedureCodes(), limit); err != nil {
		return nil, err
	}
	if result.Documents, err = i.documents(ctx, result.DiagnosisCodes()); err != nil {
		return nil, err
	}
	return result, nil
}

type scoredDocument struct {
	doc   map[string]interface{}
	score float64
}

func (i *TypesenseIndex) rankedHits(ctx context.Context, collection, q, queryBy, weights string, limit int) ([]scoredDocument, error) {
	params := &api.SearchCollectionParams{
		Q:                   pointer.String(q),
		QueryBy:             pointer.String(queryBy),
		QueryByWeights:      pointer.String(weights),
		SortBy:              pointer.String("_text_match:desc,code:asc"),
		PerPage:             pointer.Int(limit),
		DropTokensThreshold: pointer.Int(limit),
	}
	res, err := i.client.Search(ctx, collection, params)
	if err != nil {
		return nil, fmt.Errorf("typesense search %s: %w", collection, err)
	}

	var out []scoredDocument
	if res.Hits == nil {
		return out, nil
	}
	for _, hit := range *res.Hits {
		if hit.Document == nil {
			continue
		}
		var score float64
		if hit.TextMatch != nil {
			score = float64(*hit.TextMatch)
		}
		out = append(out, scoredDocument{doc: *hit.Document, score: score})
	}
	return out, nil
}

func (i *TypesenseIndex) filtered(ctx context.Context, collection, filter, sortBy string, perPage int) ([]map[string]interface{}, error) {
	params := &api.SearchCollectionParams{
		Q:        pointer.String("*"),
		FilterBy: pointer.String(filter),
		SortBy:   pointer.String(sortBy),
		PerPage:  pointer.Int(clampLimit(perPage)),
	}
	res, err := i.client.Search(ctx, collection, params)
	if err != nil {
		return nil, fmt.Errorf("typesense filter %s: %w", collection, err)
	}

	var out []map[string]interface{}
	if res.Hits == nil {
		return out, nil
	}
	for _, hit := range *res.Hits {
		if hit.Document != nil {
			out = append(out, *hit.Document)
		}
	}
	return out, nil
}

func (i *TypesenseIndex) lookupDiagnoses(ctx context.Context, codes []string) ([]*entities.DiagnosisCode, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	docs, err := i.filtered(ctx, tsclient.DiagnosesCollection, exactFilter("code", codes), "code:asc", len(codes))
	if err != nil {
		return nil, err
	}
	out := make([]*entities.DiagnosisCode, 0, len(docs))
	for _, d := range docs {
		out = append(out, diagnosisFromDocument(d))
	}
	return out, nil
}

func (i *TypesenseIndex) lookupProcedures(ctx context.Context, codes []string) ([]*entities.ProcedureCode, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	docs, err := i.filtered(ctx, tsclient.ProceduresCollection, exactFilter("code", codes), "code:asc", len(codes))
	if err != nil {
		return nil, err
	}
	out := make([]*entities.ProcedureCode, 0, len(docs))
	for _, d := range docs {
		out = append(out, procedureFromDocument(d))
	}
	return out, nil
}

func (i *TypesenseIndex) mappings(ctx context.Context, icd10Codes, cptCodes []string, limit int) ([]*entities.AppropriatenessMapping, error) {
	var clauses []string
	if len(icd10Codes) > 0 {
		clauses = append(clauses, exactFilter("icd10_code", icd10Codes))
	}
	if len(cptCodes) > 0 {
		clauses = append(clauses, exactFilter("cpt_code", cptCodes))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	docs, err := i.filtered(ctx, tsclient.MappingsCollection, strings.Join(clauses, " || "),
		"appropriateness:desc,icd10_code:asc,cpt_code:asc", limit)
	if err != nil {
		return nil, err
	}
	out := make([]*entities.AppropriatenessMapping, 0, len(docs))
	for _, d := range docs {
		out = append(out, mappingFromDocument(d))
	}
	entities.SortMappings(out)
	return out, nil
}

func (i *TypesenseIndex) documents(ctx context.Context, icd10Codes []string) ([]*entities.ClinicalDocument, error) {
	if len(icd10Codes) == 0 {
		return nil, nil
	}
	docs, err := i.filtered(ctx, tsclient.DocumentsCollection, exactFilter("icd10_code", icd10Codes), "icd10_code:asc", len(icd10Codes))
	if err != nil {
		return nil, err
	}
	out := make([]*entities.ClinicalDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentFromDocument(d))
	}
	return out, nil
}

// Drop removes the collections of the given kinds, all when none are given
func (i *TypesenseIndex) Drop(ctx context.Context, kinds ...entities.EntityKind) error {
	names, err := collectionsFor(kinds)
	if err != nil {
		return err
	}
	return i.client.DropCollections(ctx, names...)
}

// Create declares the collections of the given kinds, all when none are given
func (i *TypesenseIndex) Create(ctx context.Context, kinds ...entities.EntityKind) error {
	names, err := collectionsFor(kinds)
	if err != nil {
		return err
	}
	return i.client.CreateCollections(ctx, names...)
}

func collectionsFor(kinds []entities.EntityKind) ([]string, error) {
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		name, err := collectionFor(kind)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (i *TypesenseIndex) IndexDiagnoses(ctx context.Context, rows []*entities.DiagnosisCode) error {
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, diagnosisDocument(r))
	}
	return i.client.UpsertDocuments(ctx, tsclient.DiagnosesCollection, docs)
}

func (i *TypesenseIndex) IndexProcedures(ctx context.Context, rows []*entities.ProcedureCode) error {
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, procedureDocument(r))
	}
	return i.client.UpsertDocuments(ctx, tsclient.ProceduresCollection, docs)
}

func (i *TypesenseIndex) IndexMappings(ctx context.Context, rows []*entities.AppropriatenessMapping) error {
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, mappingDocument(r))
	}
	return i.client.UpsertDocuments(ctx, tsclient.MappingsCollection, docs)
}

func (i *TypesenseIndex) IndexDocuments(ctx context.Context, rows []*entities.ClinicalDocument) error {
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, documentDocument(r))
	}
	return i.client.UpsertDocuments(ctx, tsclient.DocumentsCollection, docs)
}

// Count returns the indexed document count for a kind
func (i *TypesenseIndex) Count(ctx context.Context, kind entities.EntityKind) (int, error) {
	collection, err := collectionFor(kind)
	if err != nil {
		return 0, err
	}
	return i.client.CountDocuments(ctx, collection)
}

func collectionFor(kind entities.EntityKind) (string, error) {
	switch kind {
	case entities.KindDiagnosis:
		return tsclient.DiagnosesCollection, nil
	case entities.KindProcedure:
		return tsclient.ProceduresCollection, nil
	case entities.KindMapping:
		return tsclient.MappingsCollection, nil
	case entities.KindDocument:
		return tsclient.DocumentsCollection, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// exactFilter builds field:=[`a`,`b`]; backticks keep dots and dashes literal.
func exactFilter(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "`" + strings.ReplaceAll(v, "`", "") + "`"
	}
	return fmt.Sprintf("%s:=[%s]", field, strings.Join(quoted, ","))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > maxPerPage {
		return maxPerPage
	}
	return limit
}
