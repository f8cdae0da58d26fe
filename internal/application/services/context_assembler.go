package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// NoContextSentinel is returned instead of an empty context block.
const NoContextSentinel = "No specific medical context found..."

// Context block section headers, in output order.
const (
	SectionDiagnoses  = "-- Relevant ICD-10 Codes --"
	SectionProcedures = "-- Relevant CPT Codes --"
	SectionMappings   = "-- Relevant ICD-10 to CPT Mappings --"
	SectionDocuments  = "-- Additional Clinical Information --"
)

const contextCachePrefix = "clinical_context:"

// ContextAssemblerConfig tunes retrieval and the context cache
type ContextAssemblerConfig struct {
	TopN int
	// CacheTTL of zero disables the context cache.
	CacheTTL time.Duration
	// CacheKeyChars is how much of the normalised dictation feeds the cache
	// key; zero hashes the whole text.
	CacheKeyChars   int
	DocumentPreview int
}

// DefaultContextAssemblerConfig mirrors the production defaults
func DefaultContextAssemblerConfig() ContextAssemblerConfig {
	return ContextAssemblerConfig{
		TopN:            10,
		CacheTTL:        time.Hour,
		CacheKeyChars:   20,
		DocumentPreview: 1000,
	}
}

// ContextAssembler builds the evidence block handed to the prompt constructor
type ContextAssembler struct {
	extractor *KeywordExtractor
	index     providers.SearchIndex
	cache     providers.CacheProvider
	cfg       ContextAssemblerConfig
	metrics   *observability.Metrics
}

// NewContextAssembler creates an assembler over index. cache may be nil.
func NewContextAssembler(extractor *KeywordExtractor, index providers.SearchIndex, cache providers.CacheProvider, cfg ContextAssemblerConfig, metrics *observability.Metrics) *ContextAssembler {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.DocumentPreview <= 0 {
		cfg.DocumentPreview = 1000
	}
	return &ContextAssembler{
		extractor: extractor,
		index:     index,
		cache:     cache,
		cfg:       cfg,
		metrics:   metrics,
	}
}

// AssembleForDictation returns the context block for dictation, serving it
// from the context cache when possible
func (a *ContextAssembler) AssembleForDictation(ctx context.Context, dictation string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "context.assemble")
	defer span.End()

	logger := observability.LoggerFromContext(ctx)
	key := a.CacheKey(dictation)

	if a.cache != nil && a.cfg.CacheTTL > 0 {
		data, err := a.cache.Get(ctx, key)
		switch {
		case err == nil:
			observability.RecordContextCache(ctx, a.metrics, true)
			observability.SetSpanAttributes(span, attribute.Bool("context.cache_hit", true))
			return string(data), nil
		case errors.Is(err, providers.ErrCacheMiss):
			observability.RecordContextCache(ctx, a.metrics, false)
		default:
			observability.RecordContextCache(ctx, a.metrics, false)
			logger.Warn().Err(err).Msg("Context cache read failed")
		}
	}

	block, err := a.Assemble(ctx, a.extractor.Extract(dictation))
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}

	if a.cache != nil && a.cfg.CacheTTL > 0 {
		if err := a.cache.Set(ctx, key, []byte(block), int(a.cfg.CacheTTL.Seconds())); err != nil {
			logger.Warn().Err(err).Msg("Context cache write failed")
		}
	}
	return block, nil
}

// Assemble searches for keywords and formats the hits. No keywords yields
// the sentinel without touching the index.
func (a *ContextAssembler) Assemble(ctx context.Context, keywords []entities.Keyword) (string, error) {
	if len(keywords) == 0 {
		return NoContextSentinel, nil
	}

	result, err := a.index.Search(ctx, providers.SearchQuery{
		Keywords: keywords,
		Codes:    CodeLiterals(keywords),
		Limit:    a.cfg.TopN,
	})
	if err != nil {
		return "", apperrors.NewUnavailableError("clinical context unavailable", err)
	}

	observability.LoggerFromContext(ctx).Debug().
		Str("source", result.Source).
		Int("diagnoses", len(result.Diagnoses)).
		Int("procedures", len(result.Procedures)).
		Int("mappings", len(result.Mappings)).
		Int("documents", len(result.Documents)).
		Msg("Context retrieved")

	return FormatContext(result, a.cfg.DocumentPreview), nil
}

// CacheKey hashes the leading characters of the normalised dictation
func (a *ContextAssembler) CacheKey(dictation string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(dictation), " "))
	if n := a.cfg.CacheKeyChars; n > 0 {
		if runes := []rune(normalized); len(runes) > n {
			normalized = string(runes[:n])
		}
	}
	sum := sha256.Sum256([]byte(normalized))
	return contextCachePrefix + hex.EncodeToString(sum[:])
}

// FormatContext renders a search result as the fixed-section text block.
// Empty sections are omitted; an empty result yields the sentinel.
func FormatContext(result *entities.SearchResult, previewSize int) string {
	if result == nil {
		return NoContextSentinel
	}

	var sections []string

	if len(result.Diagnoses) > 0 {
		entries := make([]string, 0, len(result.Diagnoses))
		for _, h := range result.Diagnoses {
			d := h.Diagnosis
			entries = append(entries, entry(d.Code, d.Description,
				field("Clinical notes", d.ClinicalNotes),
				field("Recommended imaging", strings.Join(d.RecommendedImagingModalities, ", ")),
				field("Category", d.Category),
			))
		}
		sections = append(sections, section(SectionDiagnoses, entries))
	}

	if len(result.Procedures) > 0 {
		entries := make([]string, 0, len(result.Procedures))
		for _, h := range result.Procedures {
			p := h.Procedure
			entries = append(entries, entry(p.Code, p.Description,
				field("Modality", p.Modality),
				field("Body part", p.BodyPart),
			))
		}
		sections = append(sections, section(SectionProcedures, entries))
	}

	if len(result.Mappings) > 0 {
		diagnoses := make(map[string]string)
		for _, h := range result.Diagnoses {
			diagnoses[h.Diagnosis.Code] = h.Diagnosis.Description
		}
		procedures := make(map[string]string)
		for _, h := range result.Procedures {
			procedures[h.Procedure.Code] = h.Procedure.Description
		}

		entries := make([]string, 0, len(result.Mappings))
		for _, m := range result.Mappings {
			icdDesc := firstNonEmpty(m.ICD10Description, diagnoses[m.ICD10Code])
			cptDesc := firstNonEmpty(m.CPTDescription, procedures[m.CPTCode])
			entries = append(entries, entry(
				fmt.Sprintf("%s -> %s", m.ICD10Code, m.CPTCode),
				fmt.Sprintf("%s -> %s", firstNonEmpty(icdDesc, m.ICD10Code), firstNonEmpty(cptDesc, m.CPTCode)),
				fmt.Sprintf("Appropriateness: %d/%d", m.AppropriatenessScore, entities.MaxAppropriatenessScore),
				field("Evidence", m.EvidenceSource),
				field("Justification", m.Justification),
			))
		}
		sections = append(sections, section(SectionMappings, entries))
	}

	if len(result.Documents) > 0 {
		entries := make([]string, 0, len(result.Documents))
		for _, d := range result.Documents {
			if preview := d.Preview(previewSize); preview != "" {
				entries = append(entries, fmt.Sprintf("%s:\n%s", d.ICD10Code, preview))
			}
		}
		if len(entries) > 0 {
			sections = append(sections, section(SectionDocuments, entries))
		}
	}

	if len(sections) == 0 {
		return NoContextSentinel
	}
	return strings.Join(sections, "\n\n")
}

func section(header string, entries []string) string {
	return header + "\n" + strings.Join(entries, "\n\n")
}

// entry renders "code - description | a | b | c" with at most three
// supplementary fields; empty fields are skipped.
func entry(code, description string, extras ...string) string {
	parts := []string{code + " - " + description}
	for _, e := range extras {
		if e == "" {
			continue
		}
		if len(parts) == 4 {
			break
		}
		parts = append(parts, e)
	}
	return strings.Join(parts, " | ")
}

func field(label, value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return ""
	}
	return label + ": " + value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
