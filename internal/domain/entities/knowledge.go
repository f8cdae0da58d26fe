package entities

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Appropriateness score bounds for diagnosis-to-procedure mappings.
const (
	MinAppropriatenessScore = 1
	MaxAppropriatenessScore = 9
)

// DiagnosisCode is an ICD-10 reference row.
type DiagnosisCode struct {
	Code                         string   `json:"code" db:"icd10_code"`
	Description                  string   `json:"description" db:"description"`
	ClinicalNotes                string   `json:"clinical_notes,omitempty" db:"clinical_notes"`
	RecommendedImagingModalities []string `json:"recommended_imaging_modalities,omitempty" db:"imaging_modalities"`
	Category                     string   `json:"category,omitempty" db:"category"`
	Keywords                     []string `json:"keywords,omitempty" db:"keywords"`
}

// ProcedureCode is a CPT reference row.
type ProcedureCode struct {
	Code        string   `json:"code" db:"cpt_code"`
	Description string   `json:"description" db:"description"`
	Modality    string   `json:"modality,omitempty" db:"modality"`
	BodyPart    string   `json:"body_part,omitempty" db:"body_part"`
	Keywords    []string `json:"keywords,omitempty" db:"keywords"`
}

// AppropriatenessMapping scores how justified a procedure is for a diagnosis.
type AppropriatenessMapping struct {
	ID                   string `json:"id" db:"id"`
	ICD10Code            string `json:"icd10_code" db:"icd10_code"`
	CPTCode              string `json:"cpt_code" db:"cpt_code"`
	AppropriatenessScore int    `json:"appropriateness" db:"appropriateness"`
	EvidenceSource       string `json:"evidence_source,omitempty" db:"evidence_source"`
	Justification        string `json:"justification,omitempty" db:"refined_justification"`

	// Denormalised descriptions for context formatting.
	ICD10Description string `json:"icd10_description,omitempty"`
	CPTDescription   string `json:"cpt_description,omitempty"`
}

// Validate enforces the score range invariant.
func (m *AppropriatenessMapping) Validate() error {
	if m.AppropriatenessScore < MinAppropriatenessScore || m.AppropriatenessScore > MaxAppropriatenessScore {
		return fmt.Errorf("mapping %s->%s: appropriateness score %d outside [%d,%d]",
			m.ICD10Code, m.CPTCode, m.AppropriatenessScore, MinAppropriatenessScore, MaxAppropriatenessScore)
	}
	return nil
}

// ClinicalDocument is long-form markdown attached to a diagnosis code.
type ClinicalDocument struct {
	ICD10Code string `json:"icd10_code" db:"icd10_code"`
	Content   string `json:"content" db:"content"`
}

// Preview truncates the content to at most n bytes, cutting on a word
// boundary where possible and never inside a rune.
func (d *ClinicalDocument) Preview(n int) string {
	content := strings.TrimSpace(d.Content)
	if n <= 0 || len(content) <= n {
		return content
	}
	for n > 0 && !utf8.RuneStart(content[n]) {
		n--
	}
	cut := content[:n]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > n/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}

// EntityKind identifies one of the mirrored reference tables.
type EntityKind string

const (
	KindDiagnosis EntityKind = "diagnosis"
	KindProcedure EntityKind = "procedure"
	KindMapping   EntityKind = "mapping"
	KindDocument  EntityKind = "document"
)

// AllEntityKinds lists kinds in rebuild order.
var AllEntityKinds = []EntityKind{KindDiagnosis, KindProcedure, KindMapping, KindDocument}

// ParseEntityKind validates a kind name.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllEntityKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}
