package services

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

// DefaultWordLimit applies when a template leaves word_limit unset.
const DefaultWordLimit = 500

// SystemPrompt fixes the response schema and the coding rules every template
// relies on.
const SystemPrompt = `You are a clinical decision support assistant reviewing imaging orders for medical necessity.
Respond with a single JSON object and nothing else. The object must have these fields:
  "validationStatus": one of "appropriate", "needs_clarification", "inappropriate"
  "complianceScore": integer from 1 to 9
  "suggestedICD10Codes": non-empty array of {"code", "description", "isPrimary"}; exactly one entry has "isPrimary": true
  "suggestedCPTCodes": array of {"code", "description"}
  "priority": one of "routine", "urgent", "stat"
  "feedback": concise explanation for the ordering physician
  "clarificationPrompt": question for the physician, only when validationStatus is "needs_clarification"
  "missingElements": array of missing clinical details, may be empty
Coding rules:
  Code only to the level of certainty documented in the dictation.
  Never code conditions described as suspected, probable, possible, questionable or rule-out; code the presenting signs and symptoms instead.
  The primary diagnosis is the principal reason for the imaging study.`

const overrideDirective = `PHYSICIAN OVERRIDE
The ordering physician has reviewed the previous validation and submitted the justification below.
Give substantial weight to this clinical judgement when assessing appropriateness. Still return the full JSON object,
with exactly one primary diagnosis code, and reflect the justification in the feedback.
Justification:
`

var placeholders = []string{
	entities.PlaceholderDatabaseContext,
	entities.PlaceholderDictationText,
	entities.PlaceholderWordLimit,
}

// PromptInput carries everything one prompt is built from.
type PromptInput struct {
	Template              *entities.PromptTemplate
	Context               string
	Dictation             string
	OverrideJustification string
}

// PromptConstructor renders prompt templates into provider-neutral requests.
type PromptConstructor struct {
	defaultWordLimit int
	maxTokens        int
	temperature      float64
}

// NewPromptConstructor creates a constructor. A non-positive word limit
// falls back to DefaultWordLimit.
func NewPromptConstructor(defaultWordLimit, maxTokens int, temperature float64) *PromptConstructor {
	if defaultWordLimit <= 0 {
		defaultWordLimit = DefaultWordLimit
	}
	return &PromptConstructor{
		defaultWordLimit: defaultWordLimit,
		maxTokens:        maxTokens,
		temperature:      temperature,
	}
}

// ValidateTemplate requires every placeholder exactly once.
func ValidateTemplate(content string) error {
	var defects []string
	for _, p := range placeholders {
		switch n := strings.Count(content, p); {
		case n == 0:
			defects = append(defects, p+" missing")
		case n > 1:
			defects = append(defects, fmt.Sprintf("%s appears %d times", p, n))
		}
	}
	if len(defects) > 0 {
		return apperrors.NewConfigurationError("invalid prompt template: "+strings.Join(defects, ", "), nil)
	}
	return nil
}

// Render substitutes context, dictation and word limit into the template.
// Substitution is a single pass, so placeholder text inside the dictation is
// left as is.
func (p *PromptConstructor) Render(tmpl *entities.PromptTemplate, context, dictation string) (string, error) {
	if tmpl == nil {
		return "", apperrors.NewConfigurationError("no prompt template", nil)
	}
	if err := ValidateTemplate(tmpl.ContentTemplate); err != nil {
		return "", err
	}

	limit := p.defaultWordLimit
	if tmpl.WordLimit != nil && *tmpl.WordLimit > 0 {
		limit = *tmpl.WordLimit
	}

	r := strings.NewReplacer(
		entities.PlaceholderDatabaseContext, context,
		entities.PlaceholderDictationText, dictation,
		entities.PlaceholderWordLimit, strconv.Itoa(limit),
	)
	return r.Replace(tmpl.ContentTemplate), nil
}

// Build renders the user message and wraps it in an LLM request. Override
// submissions get the justification directive appended.
func (p *PromptConstructor) Build(in PromptInput) (*entities.LLMRequest, error) {
	user, err := p.Render(in.Template, in.Context, SanitizeDictation(in.Dictation))
	if err != nil {
		return nil, err
	}

	if justification := SanitizeDictation(in.OverrideJustification); justification != "" {
		user = user + "\n\n" + overrideDirective + justification
	}

	return &entities.LLMRequest{
		SystemPrompt:      SystemPrompt,
		UserMessage:       user,
		MaxTokens:         p.maxTokens,
		Temperature:       p.temperature,
		ResponseShapeHint: entities.ResponseShapeJSON,
	}, nil
}

// SanitizeDictation prepares free text for a prompt.
func SanitizeDictation(s string) string {
	return entities.SanitizeText(s)
}
