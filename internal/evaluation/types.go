package evaluation

import "time"

// Focus is what a golden dictation is mainly asking the retriever to find.
type Focus string

const (
	FocusDiagnosis Focus = "diagnosis" // e.g., "hemochromatosis workup"
	FocusProcedure Focus = "procedure" // e.g., "mri abdomen with contrast"
	FocusMixed     Focus = "mixed"     // indication plus ordered study
)

// ValidFoci returns all valid focus values.
func ValidFoci() []Focus {
	return []Focus{FocusDiagnosis, FocusProcedure, FocusMixed}
}

// IsValid checks if the focus value is one of the defined constants.
func (f Focus) IsValid() bool {
	switch f {
	case FocusDiagnosis, FocusProcedure, FocusMixed:
		return true
	}
	return false
}

// GoldenDictation is a labeled dictation with the codes the context block
// should surface.
type GoldenDictation struct {
	ID            string   `json:"id"`
	Dictation     string   `json:"dictation"`
	Focus         Focus    `json:"focus"`
	ExpectedICD10 []string `json:"expected_icd10"`
	ExpectedCPT   []string `json:"expected_cpt"`
	Difficulty    string   `json:"difficulty"` // easy, medium, hard
}

// EvalResult holds the evaluation outcome for a single dictation.
type EvalResult struct {
	ID                 string        `json:"id"`
	Focus              Focus         `json:"focus"`
	Keywords           []string      `json:"keywords"`
	DiagnosisRecall    float64       `json:"diagnosis_recall"`
	ProcedureRecall    float64       `json:"procedure_recall"`
	DiagnosisMRR       float64       `json:"diagnosis_mrr"`
	RetrievedDiagnoses []string      `json:"retrieved_diagnoses"`
	RetrievedProcs     []string      `json:"retrieved_procedures"`
	Source             string        `json:"source"`
	Latency            time.Duration `json:"latency"`
	Error              string        `json:"error,omitempty"`
}

// EvalSummary holds aggregate metrics across all golden dictations.
type EvalSummary struct {
	TopN                  int                     `json:"top_n"`
	TotalDictations       int                     `json:"total_dictations"`
	Failed                int                     `json:"failed"`
	AvgDiagnosisRecall    float64                 `json:"avg_diagnosis_recall"`
	AvgProcedureRecall    float64                 `json:"avg_procedure_recall"`
	AvgDiagnosisMRR       float64                 `json:"avg_diagnosis_mrr"`
	AvgLatency            time.Duration           `json:"avg_latency"`
	DictationsWithoutHits int                     `json:"dictations_without_hits"`
	BySource              map[string]int          `json:"by_source"`
	ByFocus               map[Focus]*FocusSummary `json:"by_focus"`
	Results               []EvalResult            `json:"results"`
}

// FocusSummary holds metrics grouped by focus.
type FocusSummary struct {
	Count              int     `json:"count"`
	AvgDiagnosisRecall float64 `json:"avg_diagnosis_recall"`
	AvgProcedureRecall float64 `json:"avg_procedure_recall"`
}
