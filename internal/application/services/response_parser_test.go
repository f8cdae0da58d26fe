package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

const validResponse = `{
  "validationStatus": "appropriate",
  "complianceScore": 8,
  "suggestedICD10Codes": [
    {"code": "E83.110", "description": "Hereditary hemochromatosis", "isPrimary": true},
    {"code": "R10.11", "description": "Right upper quadrant pain", "isPrimary": false}
  ],
  "suggestedCPTCodes": [{"code": "74183", "description": "MRI abdomen without and with contrast"}],
  "priority": "routine",
  "feedback": "Appropriate for hepatic iron quantification.",
  "missingElements": []
}`

func TestResponseParser_Valid(t *testing.T) {
	p := NewResponseParser(false)

	parsed, err := p.Parse(context.Background(), validResponse, false)
	require.NoError(t, err)

	r := parsed.Result
	assert.Equal(t, entities.StatusAppropriate, r.ValidationStatus)
	assert.Equal(t, 8, r.ComplianceScore)
	assert.Len(t, r.SuggestedICD10Codes, 2)
	assert.Equal(t, 1, r.PrimaryCount())
	assert.Equal(t, "74183", r.SuggestedCPTCodes[0].Code)
	assert.Equal(t, entities.PriorityRoutine, r.Priority)
	assert.Nil(t, r.ClarificationPrompt)
	assert.Empty(t, parsed.Warnings)
}

func TestResponseParser_FencedAndChatty(t *testing.T) {
	p := NewResponseParser(false)

	raw := "Here is my assessment:\n```json\n" + validResponse + "\n```\nLet me know if you need more."
	parsed, err := p.Parse(context.Background(), raw, false)
	require.NoError(t, err)
	assert.Equal(t, 8, parsed.Result.ComplianceScore)
}

func TestResponseParser_AlternateKeysAndNormalisation(t *testing.T) {
	p := NewResponseParser(false)

	raw := `{
	  "validationStatus": "Needs Clarification",
	  "complianceScore": "4",
	  "suggestedDiagnosisCodes": [{"code": " r10.11 ", "description": "RUQ pain", "isPrimary": "true"}],
	  "suggestedProcedureCodes": [],
	  "priority": "URGENT",
	  "clarificationPrompt": "Duration of symptoms?",
	  "missingElements": ["duration", ""]
	}`
	parsed, err := p.Parse(context.Background(), raw, false)
	require.NoError(t, err)

	r := parsed.Result
	assert.Equal(t, entities.StatusNeedsClarification, r.ValidationStatus)
	assert.Equal(t, 4, r.ComplianceScore)
	assert.Equal(t, "R10.11", r.SuggestedICD10Codes[0].Code)
	assert.True(t, r.SuggestedICD10Codes[0].IsPrimary)
	assert.Empty(t, r.SuggestedCPTCodes)
	assert.Equal(t, entities.PriorityUrgent, r.Priority)
	require.NotNil(t, r.ClarificationPrompt)
	assert.Equal(t, "Duration of symptoms?", *r.ClarificationPrompt)
	assert.Equal(t, []string{"duration"}, r.MissingElements)
}

func TestResponseParser_ParseFailure(t *testing.T) {
	p := NewResponseParser(false)

	for _, raw := range []string{"", "I cannot help with that.", "{not json}", "```\n{\"a\": \n```"} {
		_, err := p.Parse(context.Background(), raw, false)
		var parseErr *entities.ParseError
		require.True(t, errors.As(err, &parseErr), raw)
		assert.Equal(t, entities.ParseFailedCode, parseErr.Code)
		assert.Equal(t, raw, parseErr.Raw)
	}
}

func TestResponseParser_ScoreBoundaries(t *testing.T) {
	p := NewResponseParser(false)

	for _, score := range []string{"0", "10", "-1", "7.5", "null", `"high"`} {
		raw := fmt.Sprintf(`{"validationStatus":"appropriate","complianceScore":%s,"suggestedICD10Codes":[{"code":"R51","isPrimary":true}]}`, score)
		_, err := p.Parse(context.Background(), raw, false)
		var violation *entities.SchemaViolationError
		require.True(t, errors.As(err, &violation), score)
	}

	for _, score := range []string{"1", "9", "9.0"} {
		raw := fmt.Sprintf(`{"validationStatus":"appropriate","complianceScore":%s,"suggestedICD10Codes":[{"code":"R51","isPrimary":true}]}`, score)
		_, err := p.Parse(context.Background(), raw, false)
		assert.NoError(t, err, score)
	}
}

func TestResponseParser_SchemaViolationsCollected(t *testing.T) {
	p := NewResponseParser(false)

	_, err := p.Parse(context.Background(), `{"validationStatus":"maybe","suggestedICD10Codes":[],"priority":"asap"}`, false)
	var violation *entities.SchemaViolationError
	require.True(t, errors.As(err, &violation))
	assert.Len(t, violation.Violations, 4)
	assert.Contains(t, violation.Error(), "complianceScore is required")
	assert.Contains(t, violation.Error(), "suggestedICD10Codes must not be empty")
}

func TestResponseParser_CodeEntriesValidated(t *testing.T) {
	p := NewResponseParser(false)

	raw := `{"validationStatus":"inappropriate","complianceScore":3,"suggestedICD10Codes":[
	  {"code":"R51","isPrimary":true},{"description":"no code"}],
	  "suggestedCPTCodes":[{"code":" "}]}`
	_, err := p.Parse(context.Background(), raw, false)
	var violation *entities.SchemaViolationError
	require.True(t, errors.As(err, &violation))
	assert.ElementsMatch(t, []string{
		"suggestedICD10Codes[1].code is required",
		"suggestedCPTCodes[0].code is required",
	}, violation.Violations)
}

func TestResponseParser_TypeErrorsReportedOnce(t *testing.T) {
	p := NewResponseParser(false)

	raw := `{"validationStatus":7,"complianceScore":"high","suggestedICD10Codes":"R51"}`
	_, err := p.Parse(context.Background(), raw, false)
	var violation *entities.SchemaViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, []string{
		"validationStatus must be a string",
		`complianceScore "high" is not a number`,
		"suggestedICD10Codes must be an array",
	}, violation.Violations)
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "héllo"
	got := truncate(s, 2)
	assert.Equal(t, "h...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, s, truncate(s, len(s)))
	assert.Equal(t, "hé...", truncate(s, 3))
}

func TestResponseParser_PrimaryViolation(t *testing.T) {
	none := `{"validationStatus":"appropriate","complianceScore":7,"suggestedICD10Codes":[
	  {"code":"R10.11","isPrimary":false},{"code":"K76.0","isPrimary":false}]}`
	many := `{"validationStatus":"appropriate","complianceScore":7,"suggestedICD10Codes":[
	  {"code":"R10.11","isPrimary":false},{"code":"K76.0","isPrimary":true},{"code":"E83.110","isPrimary":true}]}`

	strict := NewResponseParser(false)
	for _, raw := range []string{none, many} {
		_, err := strict.Parse(context.Background(), raw, false)
		var violation *entities.SchemaViolationError
		require.True(t, errors.As(err, &violation))
		assert.Contains(t, violation.Violations[0], "exactly one primary")
	}

	lenient := NewResponseParser(true)
	parsed, err := lenient.Parse(context.Background(), none, false)
	require.NoError(t, err)
	primary, ok := parsed.Result.PrimaryCode()
	require.True(t, ok)
	assert.Equal(t, "R10.11", primary.Code)
	require.Len(t, parsed.Warnings, 1)
	assert.Contains(t, parsed.Warnings[0], "found 0")

	parsed, err = lenient.Parse(context.Background(), many, false)
	require.NoError(t, err)
	primary, _ = parsed.Result.PrimaryCode()
	assert.Equal(t, "K76.0", primary.Code)

	// Overrides always correct rather than reject.
	parsed, err = strict.Parse(context.Background(), many, true)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Result.PrimaryCount())
	assert.NotEmpty(t, parsed.Warnings)
}

func TestResponseParser_UncertaintyLint(t *testing.T) {
	p := NewResponseParser(false)

	raw := `{"validationStatus":"appropriate","complianceScore":6,"suggestedICD10Codes":[
	  {"code":"K80.20","description":"Suspected cholelithiasis","isPrimary":true}]}`
	parsed, err := p.Parse(context.Background(), raw, false)
	require.NoError(t, err)
	require.Len(t, parsed.Warnings, 1)
	assert.Contains(t, parsed.Warnings[0], `"suspected"`)
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                      `{"a":1}`,
		"```json\n{\"a\":1}\n```":      `{"a":1}`,
		"```\n{\"a\":{\"b\":2}}\n```":  `{"a":{"b":2}}`,
		"prefix {\"a\":1} suffix":      `{"a":1}`,
		"  \n{\"a\":\"}\"}\n trailing": `{"a":"}"}`,
		"```json {\"a\":1}\n```":      `{"a":1}`,
		"```JSON{\"a\":1}```":          `{"a":1}`,
	}
	for in, want := range tests {
		got, ok := ExtractJSON(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ExtractJSON("no braces here")
	assert.False(t, ok)
	_, ok = ExtractJSON("} backwards {")
	assert.False(t, ok)
}

// Any response that parses in new-prompt mode carries exactly one primary.
func TestResponseParser_PrimaryInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []string{"appropriate", "needs_clarification", "inappropriate"}

	for _, autoCorrect := range []bool{false, true} {
		p := NewResponseParser(autoCorrect)
		accepted := 0

		for i := 0; i < 300; i++ {
			n := 1 + rng.Intn(5)
			codes := make([]map[string]interface{}, n)
			for j := range codes {
				codes[j] = map[string]interface{}{
					"code":        fmt.Sprintf("R%02d.%d", rng.Intn(100), j),
					"description": "finding",
					"isPrimary":   rng.Intn(3) == 0,
				}
			}
			body, err := json.Marshal(map[string]interface{}{
				"validationStatus":    statuses[rng.Intn(len(statuses))],
				"complianceScore":     1 + rng.Intn(9),
				"suggestedICD10Codes": codes,
				"suggestedCPTCodes":   []interface{}{},
			})
			require.NoError(t, err)

			parsed, err := p.Parse(context.Background(), string(body), false)
			if err != nil {
				require.False(t, autoCorrect, "auto-correct must not reject: %s", body)
				var violation *entities.SchemaViolationError
				require.True(t, errors.As(err, &violation))
				continue
			}
			accepted++
			assert.Equal(t, 1, parsed.Result.PrimaryCount(), string(body))
		}

		assert.Positive(t, accepted)
	}
}
