package search

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// MaxIndexedTerms caps the keyword bag stored per document.
const MaxIndexedTerms = 100

// normalizeTerms merges term groups into a sorted, deduplicated, lowercase
// bag of at most limit terms.
func normalizeTerms(limit int, groups ...[]string) []string {
	set := make(map[string]struct{})
	for _, g := range groups {
		for _, t := range g {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func diagnosisDocument(d *entities.DiagnosisCode) map[string]interface{} {
	doc := map[string]interface{}{
		"id":          d.Code,
		"code":        d.Code,
		"description": d.Description,
		"keywords":    normalizeTerms(MaxIndexedTerms, d.Keywords),
	}
	if d.ClinicalNotes != "" {
		doc["clinical_notes"] = d.ClinicalNotes
	}
	if len(d.RecommendedImagingModalities) > 0 {
		doc["imaging_modalities"] = d.RecommendedImagingModalities
	}
	if d.Category != "" {
		doc["category"] = d.Category
	}
	return doc
}

func procedureDocument(p *entities.ProcedureCode) map[string]interface{} {
	doc := map[string]interface{}{
		"id":          p.Code,
		"code":        p.Code,
		"description": p.Description,
		"keywords":    normalizeTerms(MaxIndexedTerms, p.Keywords),
	}
	if p.Modality != "" {
		doc["modality"] = p.Modality
	}
	if p.BodyPart != "" {
		doc["body_part"] = p.BodyPart
	}
	return doc
}

func mappingDocument(m *entities.AppropriatenessMapping) map[string]interface{} {
	doc := map[string]interface{}{
		"id":              mappingID(m),
		"icd10_code":      m.ICD10Code,
		"cpt_code":        m.CPTCode,
		"appropriateness": m.AppropriatenessScore,
	}
	for k, v := range map[string]string{
		"evidence_source":   m.EvidenceSource,
		"justification":     m.Justification,
		"icd10_description": m.ICD10Description,
		"cpt_description":   m.CPTDescription,
	} {
		if v != "" {
			doc[k] = v
		}
	}
	return doc
}

func documentDocument(d *entities.ClinicalDocument) map[string]interface{} {
	return map[string]interface{}{
		"id":         d.ICD10Code,
		"icd10_code": d.ICD10Code,
		"content":    d.Content,
	}
}

// mappingID falls back to the code pair when the row has no surrogate id.
func mappingID(m *entities.AppropriatenessMapping) string {
	if m.ID != "" {
		return m.ID
	}
	return m.ICD10Code + ":" + m.CPTCode
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func intField(doc map[string]interface{}, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func stringsField(doc map[string]interface{}, key string) []string {
	switch v := doc[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func diagnosisFromDocument(doc map[string]interface{}) *entities.DiagnosisCode {
	return &entities.DiagnosisCode{
		Code:                         stringField(doc, "code"),
		Description:                  stringField(doc, "description"),
		ClinicalNotes:                stringField(doc, "clinical_notes"),
		RecommendedImagingModalities: stringsField(doc, "imaging_modalities"),
		Category:                     stringField(doc, "category"),
		Keywords:                     stringsField(doc, "keywords"),
	}
}

func procedureFromDocument(doc map[string]interface{}) *entities.ProcedureCode {
	return &entities.ProcedureCode{
		Code:        stringField(doc, "code"),
		Description: stringField(doc, "description"),
		Modality:    stringField(doc, "modality"),
		BodyPart:    stringField(doc, "body_part"),
		Keywords:    stringsField(doc, "keywords"),
	}
}

func mappingFromDocument(doc map[string]interface{}) *entities.AppropriatenessMapping {
	return &entities.AppropriatenessMapping{
		ID:                   stringField(doc, "id"),
		ICD10Code:            stringField(doc, "icd10_code"),
		CPTCode:              stringField(doc, "cpt_code"),
		AppropriatenessScore: intField(doc, "appropriateness"),
		EvidenceSource:       stringField(doc, "evidence_source"),
		Justification:        stringField(doc, "justification"),
		ICD10Description:     stringField(doc, "icd10_description"),
		CPTDescription:       stringField(doc, "cpt_description"),
	}
}

func documentFromDocument(doc map[string]interface{}) *entities.ClinicalDocument {
	return &entities.ClinicalDocument{
		ICD10Code: stringField(doc, "icd10_code"),
		Content:   stringField(doc, "content"),
	}
}

// mergeDiagnoses puts exact-code hits first, then ranked hits not already
// present, capped at limit.
func mergeDiagnoses(exact []*entities.DiagnosisCode, ranked []entities.ScoredDiagnosis, limit int) []entities.ScoredDiagnosis {
	out := make([]entities.ScoredDiagnosis, 0, len(exact)+len(ranked))
	seen := make(map[string]struct{})
	for _, d := range exact {
		if _, ok := seen[d.Code]; ok {
			continue
		}
		seen[d.Code] = struct{}{}
		out = append(out, entities.ScoredDiagnosis{Diagnosis: d, Score: 1})
	}
	entities.SortDiagnoses(ranked)
	for _, h := range ranked {
		if _, ok := seen[h.Diagnosis.Code]; ok {
			continue
		}
		seen[h.Diagnosis.Code] = struct{}{}
		out = append(out, h)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// mergeProcedures is mergeDiagnoses for procedures.
func mergeProcedures(exact []*entities.ProcedureCode, ranked []entities.ScoredProcedure, limit int) []entities.ScoredProcedure {
	out := make([]entities.ScoredProcedure, 0, len(exact)+len(ranked))
	seen := make(map[string]struct{})
	for _, p := range exact {
		if _, ok := seen[p.Code]; ok {
			continue
		}
		seen[p.Code] = struct{}{}
		out = append(out, entities.ScoredProcedure{Procedure: p, Score: 1})
	}
	entities.SortProcedures(ranked)
	for _, h := range ranked {
		if _, ok := seen[h.Procedure.Code]; ok {
			continue
		}
		seen[h.Procedure.Code] = struct{}{}
		out = append(out, h)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// splitCodes separates ICD-10 literals (letter first) from CPT literals.
func splitCodes(codes []string) (icd10, cpt []string) {
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if c[0] >= 'A' && c[0] <= 'Z' {
			icd10 = append(icd10, c)
		} else {
			cpt = append(cpt, c)
		}
	}
	return icd10, cpt
}

func marshalSource(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
