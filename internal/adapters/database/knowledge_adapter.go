package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

// Knowledge store tables.
const (
	TableDiagnoses  = "medical_icd10_codes"
	TableProcedures = "medical_cpt_codes"
	TableMappings   = "medical_cpt_icd10_mappings"
	TableDocuments  = "medical_icd10_markdown_docs"
)

var (
	diagnosisColumns = []interface{}{"icd10_code", "description", "clinical_notes", "imaging_modalities", "category", "keywords"}
	procedureColumns = []interface{}{"cpt_code", "description", "modality", "body_part", "keywords"}
)

// KnowledgeAdapter implements KnowledgeRepository over PostgreSQL
type KnowledgeAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

var _ repositories.KnowledgeRepository = (*KnowledgeAdapter)(nil)

// NewKnowledgeAdapter creates a new knowledge store adapter
func NewKnowledgeAdapter(client *postgres.Client) *KnowledgeAdapter {
	return &KnowledgeAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// ListDiagnoses pages through diagnosis codes in code order
func (a *KnowledgeAdapter) ListDiagnoses(ctx context.Context, afterCode string, limit int) ([]*entities.DiagnosisCode, error) {
	ds := a.db.From(TableDiagnoses).Select(diagnosisColumns...).
		Order(goqu.C("icd10_code").Asc()).
		Limit(uint(limit))
	if afterCode != "" {
		ds = ds.Where(goqu.C("icd10_code").Gt(afterCode))
	}
	return a.queryDiagnoses(ctx, ds)
}

// ListProcedures pages through procedure codes in code order
func (a *KnowledgeAdapter) ListProcedures(ctx context.Context, afterCode string, limit int) ([]*entities.ProcedureCode, error) {
	ds := a.db.From(TableProcedures).Select(procedureColumns...).
		Order(goqu.C("cpt_code").Asc()).
		Limit(uint(limit))
	if afterCode != "" {
		ds = ds.Where(goqu.C("cpt_code").Gt(afterCode))
	}
	return a.queryProcedures(ctx, ds)
}

// ListMappings pages through mappings in id order
func (a *KnowledgeAdapter) ListMappings(ctx context.Context, afterID string, limit int) ([]*entities.AppropriatenessMapping, error) {
	ds := a.db.From(goqu.T(TableMappings).As("m")).
		Select(mappingSelect()...).
		LeftJoin(goqu.T(TableDiagnoses).As("i"), goqu.On(goqu.I("i.icd10_code").Eq(goqu.I("m.icd10_code")))).
		LeftJoin(goqu.T(TableProcedures).As("c"), goqu.On(goqu.I("c.cpt_code").Eq(goqu.I("m.cpt_code")))).
		Order(goqu.I("m.id").Asc()).
		Limit(uint(limit))
	if afterID != "" {
		ds = ds.Where(goqu.L("m.id::text > ?", afterID))
	}
	return a.queryMappings(ctx, ds)
}

// ListDocuments pages through clinical documents in code order
func (a *KnowledgeAdapter) ListDocuments(ctx context.Context, afterCode string, limit int) ([]*entities.ClinicalDocument, error) {
	ds := a.db.From(TableDocuments).Select("icd10_code", "content").
		Order(goqu.C("icd10_code").Asc()).
		Limit(uint(limit))
	if afterCode != "" {
		ds = ds.Where(goqu.C("icd10_code").Gt(afterCode))
	}
	return a.queryDocuments(ctx, ds)
}

// Count returns the row count for an entity kind
func (a *KnowledgeAdapter) Count(ctx context.Context, kind entities.EntityKind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, apperrors.NewValidationError(err.Error())
	}

	query, args, err := a.db.From(table).Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build count query", err)
	}

	var count int
	if err := a.client.DB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperrors.NewInternalError(fmt.Sprintf("failed to count %s", table), err)
	}
	return count, nil
}

// SearchDiagnoses ranks diagnoses by matched terms / total terms across
// description, clinical notes and keywords. Ties break on code.
func (a *KnowledgeAdapter) SearchDiagnoses(ctx context.Context, terms []string, limit int) ([]entities.ScoredDiagnosis, error) {
	terms = cleanTerms(terms)
	if len(terms) == 0 {
		return []entities.ScoredDiagnosis{}, nil
	}

	fields := []string{"description", "clinical_notes", "array_to_string(keywords, ' ')"}
	cols := append(append([]interface{}{}, diagnosisColumns...), relevanceExpr(terms, fields).As("score"))

	query, args, err := a.db.From(TableDiagnoses).Select(cols...).
		Where(matchAny(terms, fields)).
		Order(goqu.C("score").Desc(), goqu.C("icd10_code").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build diagnosis search query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to search diagnoses", err)
	}
	defer rows.Close()

	hits := []entities.ScoredDiagnosis{}
	for rows.Next() {
		var score float64
		d, err := scanDiagnosis(rows, &score)
		if err != nil {
			return nil, err
		}
		hits = append(hits, entities.ScoredDiagnosis{Diagnosis: d, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate diagnoses", err)
	}
	return hits, nil
}

// SearchProcedures ranks procedures by matched terms / total terms
func (a *KnowledgeAdapter) SearchProcedures(ctx context.Context, terms []string, limit int) ([]entities.ScoredProcedure, error) {
	terms = cleanTerms(terms)
	if len(terms) == 0 {
		return []entities.ScoredProcedure{}, nil
	}

	fields := []string{"description", "modality", "body_part", "array_to_string(keywords, ' ')"}
	cols := append(append([]interface{}{}, procedureColumns...), relevanceExpr(terms, fields).As("score"))

	query, args, err := a.db.From(TableProcedures).Select(cols...).
		Where(matchAny(terms, fields)).
		Order(goqu.C("score").Desc(), goqu.C("cpt_code").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build procedure search query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to search procedures", err)
	}
	defer rows.Close()

	hits := []entities.ScoredProcedure{}
	for rows.Next() {
		var score float64
		p, err := scanProcedure(rows, &score)
		if err != nil {
			return nil, err
		}
		hits = append(hits, entities.ScoredProcedure{Procedure: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate procedures", err)
	}
	return hits, nil
}

// GetDiagnosesByCodes fetches diagnoses by exact code
func (a *KnowledgeAdapter) GetDiagnosesByCodes(ctx context.Context, codes []string) ([]*entities.DiagnosisCode, error) {
	if len(codes) == 0 {
		return []*entities.DiagnosisCode{}, nil
	}
	ds := a.db.From(TableDiagnoses).Select(diagnosisColumns...).
		Where(goqu.Ex{"icd10_code": codes}).
		Order(goqu.C("icd10_code").Asc())
	return a.queryDiagnoses(ctx, ds)
}

// GetProceduresByCodes fetches procedures by exact code
func (a *KnowledgeAdapter) GetProceduresByCodes(ctx context.Context, codes []string) ([]*entities.ProcedureCode, error) {
	if len(codes) == 0 {
		return []*entities.ProcedureCode{}, nil
	}
	ds := a.db.From(TableProcedures).Select(procedureColumns...).
		Where(goqu.Ex{"cpt_code": codes}).
		Order(goqu.C("cpt_code").Asc())
	return a.queryProcedures(ctx, ds)
}

// GetMappings returns mappings whose diagnosis or procedure is in the given
// sets, highest appropriateness first
func (a *KnowledgeAdapter) GetMappings(ctx context.Context, icd10Codes, cptCodes []string, limit int) ([]*entities.AppropriatenessMapping, error) {
	var conds []exp.Expression
	if len(icd10Codes) > 0 {
		conds = append(conds, goqu.I("m.icd10_code").In(icd10Codes))
	}
	if len(cptCodes) > 0 {
		conds = append(conds, goqu.I("m.cpt_code").In(cptCodes))
	}
	if len(conds) == 0 {
		return []*entities.AppropriatenessMapping{}, nil
	}

	ds := a.db.From(goqu.T(TableMappings).As("m")).
		Select(mappingSelect()...).
		LeftJoin(goqu.T(TableDiagnoses).As("i"), goqu.On(goqu.I("i.icd10_code").Eq(goqu.I("m.icd10_code")))).
		LeftJoin(goqu.T(TableProcedures).As("c"), goqu.On(goqu.I("c.cpt_code").Eq(goqu.I("m.cpt_code")))).
		Where(goqu.Or(conds...)).
		Order(goqu.I("m.appropriateness").Desc(), goqu.I("m.icd10_code").Asc(), goqu.I("m.cpt_code").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return a.queryMappings(ctx, ds)
}

// GetDocuments returns documents for the given diagnosis codes
func (a *KnowledgeAdapter) GetDocuments(ctx context.Context, icd10Codes []string) ([]*entities.ClinicalDocument, error) {
	if len(icd10Codes) == 0 {
		return []*entities.ClinicalDocument{}, nil
	}
	ds := a.db.From(TableDocuments).Select("icd10_code", "content").
		Where(goqu.Ex{"icd10_code": icd10Codes}).
		Order(goqu.C("icd10_code").Asc())
	return a.queryDocuments(ctx, ds)
}

func (a *KnowledgeAdapter) queryDiagnoses(ctx context.Context, ds *goqu.SelectDataset) ([]*entities.DiagnosisCode, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build diagnosis query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query diagnoses", err)
	}
	defer rows.Close()

	out := []*entities.DiagnosisCode{}
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate diagnoses", err)
	}
	return out, nil
}

func (a *KnowledgeAdapter) queryProcedures(ctx context.Context, ds *goqu.SelectDataset) ([]*entities.ProcedureCode, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build procedure query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query procedures", err)
	}
	defer rows.Close()

	out := []*entities.ProcedureCode{}
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate procedures", err)
	}
	return out, nil
}

func (a *KnowledgeAdapter) queryMappings(ctx context.Context, ds *goqu.SelectDataset) ([]*entities.AppropriatenessMapping, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build mapping query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query mappings", err)
	}
	defer rows.Close()

	out := []*entities.AppropriatenessMapping{}
	for rows.Next() {
		m := &entities.AppropriatenessMapping{}
		var evidence, justification, icdDesc, cptDesc sql.NullString
		if err := rows.Scan(
			&m.ID,
			&m.ICD10Code,
			&m.CPTCode,
			&m.AppropriatenessScore,
			&evidence,
			&justification,
			&icdDesc,
			&cptDesc,
		); err != nil {
			return nil, apperrors.NewInternalError("failed to scan mapping", err)
		}
		m.EvidenceSource = evidence.String
		m.Justification = justification.String
		m.ICD10Description = icdDesc.String
		m.CPTDescription = cptDesc.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate mappings", err)
	}
	return out, nil
}

func (a *KnowledgeAdapter) queryDocuments(ctx context.Context, ds *goqu.SelectDataset) ([]*entities.ClinicalDocument, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build document query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query documents", err)
	}
	defer rows.Close()

	out := []*entities.ClinicalDocument{}
	for rows.Next() {
		d := &entities.ClinicalDocument{}
		if err := rows.Scan(&d.ICD10Code, &d.Content); err != nil {
			return nil, apperrors.NewInternalError("failed to scan document", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate documents", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDiagnosis(row rowScanner, extra ...interface{}) (*entities.DiagnosisCode, error) {
	d := &entities.DiagnosisCode{}
	var notes, category sql.NullString
	dest := []interface{}{
		&d.Code,
		&d.Description,
		&notes,
		pq.Array(&d.RecommendedImagingModalities),
		&category,
		pq.Array(&d.Keywords),
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, apperrors.NewInternalError("failed to scan diagnosis", err)
	}
	d.ClinicalNotes = notes.String
	d.Category = category.String
	return d, nil
}

func scanProcedure(row rowScanner, extra ...interface{}) (*entities.ProcedureCode, error) {
	p := &entities.ProcedureCode{}
	var modality, bodyPart sql.NullString
	dest := []interface{}{
		&p.Code,
		&p.Description,
		&modality,
		&bodyPart,
		pq.Array(&p.Keywords),
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, apperrors.NewInternalError("failed to scan procedure", err)
	}
	p.Modality = modality.String
	p.BodyPart = bodyPart.String
	return p, nil
}

func mappingSelect() []interface{} {
	return []interface{}{
		goqu.I("m.id"),
		goqu.I("m.icd10_code"),
		goqu.I("m.cpt_code"),
		goqu.I("m.appropriateness"),
		goqu.I("m.evidence_source"),
		goqu.I("m.refined_justification"),
		goqu.I("i.description"),
		goqu.I("c.description"),
	}
}

func tableFor(kind entities.EntityKind) (string, error) {
	switch kind {
	case entities.KindDiagnosis:
		return TableDiagnoses, nil
	case entities.KindProcedure:
		return TableProcedures, nil
	case entities.KindMapping:
		return TableMappings, nil
	case entities.KindDocument:
		return TableDocuments, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// cleanTerms lowercases, trims and deduplicates, preserving order.
func cleanTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func likePattern(term string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return "%" + escaped + "%"
}

// termMatch builds "(f1 ILIKE p OR f2 ILIKE p ...)" for one term.
func termMatch(term string, fields []string) (string, []interface{}) {
	pattern := likePattern(term)
	parts := make([]string, len(fields))
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		parts[i] = "COALESCE(" + f + ", '') ILIKE ?"
		args[i] = pattern
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func matchAny(terms []string, fields []string) exp.Expression {
	var sqlParts []string
	var args []interface{}
	for _, t := range terms {
		part, partArgs := termMatch(t, fields)
		sqlParts = append(sqlParts, part)
		args = append(args, partArgs...)
	}
	return goqu.L("("+strings.Join(sqlParts, " OR ")+")", args...)
}

// relevanceExpr scores a row as the fraction of terms it matches.
func relevanceExpr(terms []string, fields []string) exp.LiteralExpression {
	var sqlParts []string
	var args []interface{}
	for _, t := range terms {
		part, partArgs := termMatch(t, fields)
		sqlParts = append(sqlParts, "CASE WHEN "+part+" THEN 1 ELSE 0 END")
		args = append(args, partArgs...)
	}
	args = append(args, len(terms))
	return goqu.L("(("+strings.Join(sqlParts, " + ")+")::float / ?)", args...)
}
