package entities

import "sort"

// KeywordCategory classifies an extracted dictation term.
type KeywordCategory string

const (
	CategoryAnatomy     KeywordCategory = "anatomy"
	CategoryModality    KeywordCategory = "modality"
	CategoryCodeLiteral KeywordCategory = "code-literal"
	CategorySymptom     KeywordCategory = "symptom"
)

// Keyword is a deduplicated, lowercase dictation term.
type Keyword struct {
	Term     string          `json:"term"`
	Category KeywordCategory `json:"category"`
}

// Terms returns the bare terms in order.
func Terms(keywords []Keyword) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		out = append(out, k.Term)
	}
	return out
}

// ScoredDiagnosis is a diagnosis hit with its relevance score.
type ScoredDiagnosis struct {
	Diagnosis *DiagnosisCode `json:"diagnosis"`
	Score     float64        `json:"score"`
}

// ScoredProcedure is a procedure hit with its relevance score.
type ScoredProcedure struct {
	Procedure *ProcedureCode `json:"procedure"`
	Score     float64        `json:"score"`
}

// SearchResult holds the evidence gathered for one set of keywords.
type SearchResult struct {
	Diagnoses  []ScoredDiagnosis         `json:"diagnoses"`
	Procedures []ScoredProcedure         `json:"procedures"`
	Mappings   []*AppropriatenessMapping `json:"mappings"`
	Documents  []*ClinicalDocument       `json:"documents"`
	// Source names the index that produced the result.
	Source string `json:"source"`
}

// IsEmpty reports whether no diagnosis or procedure matched. Mappings and
// documents hang off codes, so they never count on their own.
func (r *SearchResult) IsEmpty() bool {
	return r == nil || (len(r.Diagnoses) == 0 && len(r.Procedures) == 0)
}

// DiagnosisCodes returns the codes of all diagnosis hits.
func (r *SearchResult) DiagnosisCodes() []string {
	codes := make([]string, 0, len(r.Diagnoses))
	for _, d := range r.Diagnoses {
		codes = append(codes, d.Diagnosis.Code)
	}
	return codes
}

// ProcedureCodes returns the codes of all procedure hits.
func (r *SearchResult) ProcedureCodes() []string {
	codes := make([]string, 0, len(r.Procedures))
	for _, p := range r.Procedures {
		codes = append(codes, p.Procedure.Code)
	}
	return codes
}

// SortDiagnoses orders by score descending, code ascending.
func SortDiagnoses(hits []ScoredDiagnosis) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Diagnosis.Code < hits[j].Diagnosis.Code
	})
}

// SortProcedures orders by score descending, code ascending.
func SortProcedures(hits []ScoredProcedure) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Procedure.Code < hits[j].Procedure.Code
	})
}

// SortMappings orders by appropriateness descending, then codes ascending.
func SortMappings(mappings []*AppropriatenessMapping) {
	sort.SliceStable(mappings, func(i, j int) bool {
		a, b := mappings[i], mappings[j]
		if a.AppropriatenessScore != b.AppropriatenessScore {
			return a.AppropriatenessScore > b.AppropriatenessScore
		}
		if a.ICD10Code != b.ICD10Code {
			return a.ICD10Code < b.ICD10Code
		}
		return a.CPTCode < b.CPTCode
	})
}

// SortDocuments orders by diagnosis code ascending.
func SortDocuments(docs []*ClinicalDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].ICD10Code < docs[j].ICD10Code
	})
}
