package evaluation

import (
	"context"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/application/services"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// KeywordSource turns a dictation into search keywords.
type KeywordSource interface {
	Extract(text string) []entities.Keyword
}

// Runner replays golden dictations through keyword extraction and a search
// index, the same path the context assembler takes.
type Runner struct {
	extractor KeywordSource
	index     providers.SearchIndex
	topN      int
}

func NewRunner(extractor KeywordSource, index providers.SearchIndex, topN int) *Runner {
	if topN <= 0 {
		topN = 10
	}
	return &Runner{extractor: extractor, index: index, topN: topN}
}

// Run evaluates every dictation. A failed search is reported on its result
// and counted, it does not abort the run.
func (r *Runner) Run(ctx context.Context, dictations []GoldenDictation) (*EvalSummary, error) {
	summary := &EvalSummary{
		TopN:            r.topN,
		TotalDictations: len(dictations),
		BySource:        make(map[string]int),
		ByFocus:         make(map[Focus]*FocusSummary),
	}
	acc := &accumulator{byFocus: make(map[Focus]*focusAccumulator)}

	for _, gd := range dictations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := r.evaluate(ctx, gd)
		summary.Results = append(summary.Results, res)
		if res.Error != "" {
			summary.Failed++
			continue
		}
		summary.BySource[res.Source]++
		if len(res.RetrievedDiagnoses) == 0 && len(res.RetrievedProcs) == 0 {
			summary.DictationsWithoutHits++
		}
		acc.add(gd, res)
	}

	acc.finalize(summary)
	return summary, nil
}

func (r *Runner) evaluate(ctx context.Context, gd GoldenDictation) EvalResult {
	keywords := r.extractor.Extract(gd.Dictation)
	res := EvalResult{ID: gd.ID, Focus: gd.Focus, Keywords: make([]string, 0, len(keywords))}
	for _, k := range keywords {
		res.Keywords = append(res.Keywords, k.Term)
	}

	start := time.Now()
	result, err := r.index.Search(ctx, providers.SearchQuery{
		Keywords: keywords,
		Codes:    services.CodeLiterals(keywords),
		Limit:    r.topN,
	})
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Source = result.Source
	res.RetrievedDiagnoses = result.DiagnosisCodes()
	res.RetrievedProcs = result.ProcedureCodes()
	res.DiagnosisRecall = RecallAtK(gd.ExpectedICD10, res.RetrievedDiagnoses, r.topN)
	res.ProcedureRecall = RecallAtK(gd.ExpectedCPT, res.RetrievedProcs, r.topN)
	res.DiagnosisMRR = MRRAtK(gd.ExpectedICD10, res.RetrievedDiagnoses, r.topN)
	return res
}

// Recall averages only cover dictations that expect codes of that kind.
type accumulator struct {
	diagRecall, procRecall, diagMRR float64
	diagCount, procCount, evaluated int
	latency                         time.Duration
	byFocus                         map[Focus]*focusAccumulator
}

type focusAccumulator struct {
	count                  int
	diagRecall, procRecall float64
	diagCount, procCount   int
}

func (a *accumulator) add(gd GoldenDictation, res EvalResult) {
	a.evaluated++
	a.latency += res.Latency

	fa, ok := a.byFocus[gd.Focus]
	if !ok {
		fa = &focusAccumulator{}
		a.byFocus[gd.Focus] = fa
	}
	fa.count++

	if len(gd.ExpectedICD10) > 0 {
		a.diagRecall += res.DiagnosisRecall
		a.diagMRR += res.DiagnosisMRR
		a.diagCount++
		fa.diagRecall += res.DiagnosisRecall
		fa.diagCount++
	}
	if len(gd.ExpectedCPT) > 0 {
		a.procRecall += res.ProcedureRecall
		a.procCount++
		fa.procRecall += res.ProcedureRecall
		fa.procCount++
	}
}

func (a *accumulator) finalize(s *EvalSummary) {
	s.AvgDiagnosisRecall = mean(a.diagRecall, a.diagCount)
	s.AvgDiagnosisMRR = mean(a.diagMRR, a.diagCount)
	s.AvgProcedureRecall = mean(a.procRecall, a.procCount)
	if a.evaluated > 0 {
		s.AvgLatency = a.latency / time.Duration(a.evaluated)
	}

	for focus, fa := range a.byFocus {
		s.ByFocus[focus] = &FocusSummary{
			Count:              fa.count,
			AvgDiagnosisRecall: mean(fa.diagRecall, fa.diagCount),
			AvgProcedureRecall: mean(fa.procRecall, fa.procCount),
		}
	}
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
