package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

const maxLoggedRaw = 512

// Alternate keys accepted for the code lists, preferred first.
var (
	diagnosisKeys = []string{"suggestedICD10Codes", "suggestedDiagnosisCodes"}
	procedureKeys = []string{"suggestedCPTCodes", "suggestedProcedureCodes"}
)

var uncertaintyPattern = regexp.MustCompile(`(?i)\b(suspected|suspicion of|probable|possible|questionable|likely|rule[- ]out|r/o)\b`)

// ParsedResponse is a schema-checked model answer.
type ParsedResponse struct {
	Result *entities.ValidationResult
	// Warnings are quality notes that did not reject the response.
	Warnings []string
}

// ResponseParser turns raw model text into a ValidationResult. The decoded
// JSON is normalised into a tagged schema and checked by the validator
// before anything typed is built.
type ResponseParser struct {
	autoCorrectPrimary bool
	validator          *validator.Validate
}

// NewResponseParser creates a parser. With autoCorrectPrimary off, a
// response without exactly one primary diagnosis is rejected unless it
// answers an override.
func NewResponseParser(autoCorrectPrimary bool) *ResponseParser {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &ResponseParser{autoCorrectPrimary: autoCorrectPrimary, validator: v}
}

// responseSchema is the model answer after lenient decoding.
type responseSchema struct {
	ValidationStatus    string       `json:"validationStatus" validate:"required,oneof=appropriate needs_clarification inappropriate"`
	ComplianceScore     *int         `json:"complianceScore" validate:"required,min=1,max=9"`
	SuggestedICD10Codes []codeSchema `json:"suggestedICD10Codes" validate:"required,min=1,dive"`
	SuggestedCPTCodes   []codeSchema `json:"suggestedCPTCodes" validate:"omitempty,dive"`
	Priority            string       `json:"priority" validate:"oneof=routine urgent stat"`
	Feedback            string       `json:"feedback"`
	ClarificationPrompt string       `json:"clarificationPrompt"`
	MissingElements     []string     `json:"missingElements"`
}

type codeSchema struct {
	Code        string `json:"code" validate:"required"`
	Description string `json:"description"`
	IsPrimary   bool   `json:"isPrimary"`
}

// Parse decodes and validates raw. It returns *entities.ParseError when no
// JSON object can be decoded and *entities.SchemaViolationError for shape
// defects.
func (p *ResponseParser) Parse(ctx context.Context, raw string, override bool) (*ParsedResponse, error) {
	logger := observability.LoggerFromContext(ctx)

	doc, perr := decodeObject(raw)
	if perr != nil {
		logger.Warn().Str("raw", truncate(raw, maxLoggedRaw)).Str("reason", perr.Reason).Msg("LLM response not parseable")
		return nil, perr
	}

	n := &normaliser{doc: doc, typeErrors: map[string]bool{}}
	schema := n.schema()
	violations := append(n.violations, p.check(schema, n.typeErrors)...)

	result := &entities.ValidationResult{
		ValidationStatus:    entities.ValidationStatus(schema.ValidationStatus),
		SuggestedICD10Codes: suggestedCodes(schema.SuggestedICD10Codes),
		SuggestedCPTCodes:   suggestedCodes(schema.SuggestedCPTCodes),
		Priority:            schema.Priority,
		Feedback:            schema.Feedback,
		MissingElements:     schema.MissingElements,
	}
	if schema.ComplianceScore != nil {
		result.ComplianceScore = *schema.ComplianceScore
	}
	if schema.ClarificationPrompt != "" {
		prompt := schema.ClarificationPrompt
		result.ClarificationPrompt = &prompt
	}

	var warnings []string
	if count := result.PrimaryCount(); len(result.SuggestedICD10Codes) > 0 && count != 1 {
		msg := fmt.Sprintf("expected exactly one primary diagnosis code, found %d", count)
		if override || p.autoCorrectPrimary {
			code := correctPrimary(result.SuggestedICD10Codes)
			warnings = append(warnings, fmt.Sprintf("%s; %s marked primary", msg, code))
			logger.Warn().Int("primary_count", count).Str("primary", code).Msg("Primary diagnosis auto-corrected")
		} else {
			violations = append(violations, msg)
		}
	}

	if len(violations) > 0 {
		logger.Warn().Strs("violations", violations).Str("raw", truncate(raw, maxLoggedRaw)).Msg("LLM response failed schema validation")
		return nil, &entities.SchemaViolationError{Violations: violations, Raw: raw}
	}

	for _, c := range result.SuggestedICD10Codes {
		if phrase := uncertaintyPattern.FindString(c.Description); phrase != "" {
			warnings = append(warnings, fmt.Sprintf("diagnosis %s is described as %q; code to the documented certainty", c.Code, strings.ToLower(phrase)))
		}
	}
	return &ParsedResponse{Result: result, Warnings: warnings}, nil
}

// check runs the struct validator and renders its errors. Fields that
// already failed decoding are skipped so each defect is reported once.
func (p *ResponseParser) check(schema *responseSchema, skip map[string]bool) []string {
	err := p.validator.Struct(schema)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	var out []string
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		if skip[path] {
			continue
		}
		out = append(out, describeFieldError(path, fe))
	}
	return out
}

func describeFieldError(path string, fe validator.FieldError) string {
	value := fe.Value()
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Ptr && !rv.IsNil() {
		value = rv.Elem().Interface()
	}

	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "min", "max":
		if fe.Kind() == reflect.Slice {
			return path + " must not be empty"
		}
		return fmt.Sprintf("%s %v outside [%d,%d]", path, value, entities.MinComplianceScore, entities.MaxComplianceScore)
	case "oneof":
		return fmt.Sprintf("%s %q is not one of %s", path, value, strings.ReplaceAll(fe.Param(), " ", ", "))
	}
	return fmt.Sprintf("%s failed %s", path, fe.Tag())
}

func suggestedCodes(in []codeSchema) []entities.SuggestedCode {
	out := make([]entities.SuggestedCode, len(in))
	for i, c := range in {
		out[i] = entities.SuggestedCode{Code: c.Code, Description: c.Description, IsPrimary: c.IsPrimary}
	}
	return out
}

// correctPrimary leaves exactly one primary: the first flagged entry, or the
// first entry when none is flagged.
func correctPrimary(codes []entities.SuggestedCode) string {
	chosen := 0
	for i, c := range codes {
		if c.IsPrimary {
			chosen = i
			break
		}
	}
	for i := range codes {
		codes[i].IsPrimary = i == chosen
	}
	return codes[chosen].Code
}

// ExtractJSON strips code fences and returns the span from the first '{' to
// the last '}'.
func ExtractJSON(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "```"); start >= 0 {
		body := strings.TrimLeftFunc(text[start+3:], func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		})
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		text = body
	}
	open := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if open < 0 || end < open {
		return "", false
	}
	return text[open : end+1], true
}

func decodeObject(raw string) (map[string]interface{}, *entities.ParseError) {
	fail := func(reason string) *entities.ParseError {
		return &entities.ParseError{Code: entities.ParseFailedCode, Raw: raw, Reason: reason}
	}

	text, ok := ExtractJSON(raw)
	if !ok {
		return nil, fail("no JSON object found")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fail(err.Error())
	}
	return doc, nil
}

// normaliser coerces the loosely typed document into responseSchema. Models
// write "Needs Clarification", "4" and "true"; those are accepted here and
// range or enum checks are left to the validator.
type normaliser struct {
	doc        map[string]interface{}
	violations []string
	// typeErrors names fields that could not be decoded at all.
	typeErrors map[string]bool
}

func (n *normaliser) fail(field, format string, args ...interface{}) {
	n.typeErrors[field] = true
	n.violations = append(n.violations, fmt.Sprintf(format, args...))
}

func (n *normaliser) schema() *responseSchema {
	return &responseSchema{
		ValidationStatus:    n.status(),
		ComplianceScore:     n.score(),
		SuggestedICD10Codes: n.codes("suggestedICD10Codes", diagnosisKeys),
		SuggestedCPTCodes:   n.codes("suggestedCPTCodes", procedureKeys),
		Priority:            n.priority(),
		Feedback:            n.optionalString("feedback"),
		ClarificationPrompt: n.optionalString("clarificationPrompt"),
		MissingElements:     n.stringList("missingElements"),
	}
}

func (n *normaliser) status() string {
	value, present := n.doc["validationStatus"]
	if !present || value == nil {
		return ""
	}
	raw, ok := value.(string)
	if !ok {
		n.fail("validationStatus", "validationStatus must be a string")
		return ""
	}
	if status, ok := entities.ParseValidationStatus(raw); ok {
		return string(status)
	}
	return strings.TrimSpace(raw)
}

func (n *normaliser) score() *int {
	value, present := n.doc["complianceScore"]
	if !present || value == nil {
		return nil
	}

	var f float64
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			n.fail("complianceScore", "complianceScore %q is not a number", v.String())
			return nil
		}
		f = parsed
	case string:
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err != nil {
			n.fail("complianceScore", "complianceScore %q is not a number", v)
			return nil
		}
	default:
		n.fail("complianceScore", "complianceScore must be a number")
		return nil
	}

	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		n.fail("complianceScore", "complianceScore %v is not an integer", f)
		return nil
	}
	score := int(f)
	return &score
}

// codes reads the first present key of keys into the canonical field.
func (n *normaliser) codes(field string, keys []string) []codeSchema {
	var (
		value interface{}
		key   string
	)
	for _, k := range keys {
		if v, ok := n.doc[k]; ok && v != nil {
			value, key = v, k
			break
		}
	}
	if value == nil {
		return nil
	}

	items, ok := value.([]interface{})
	if !ok {
		n.fail(field, "%s must be an array", key)
		return nil
	}

	out := make([]codeSchema, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			n.fail(field, "%s[%d] must be an object", key, i)
			continue
		}
		code, _ := obj["code"].(string)
		description, _ := obj["description"].(string)
		out = append(out, codeSchema{
			Code:        strings.ToUpper(strings.TrimSpace(code)),
			Description: strings.TrimSpace(description),
			IsPrimary:   truthy(obj["isPrimary"]),
		})
	}
	return out
}

func (n *normaliser) priority() string {
	raw, _ := n.doc["priority"].(string)
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return entities.PriorityRoutine
	}
	return raw
}

func (n *normaliser) optionalString(key string) string {
	switch v := n.doc[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		n.fail(key, "%s must be a string", key)
		return ""
	}
}

func (n *normaliser) stringList(key string) []string {
	value, ok := n.doc[key]
	if !ok || value == nil {
		return nil
	}
	items, ok := value.([]interface{})
	if !ok {
		n.fail(key, "%s must be an array", key)
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
			out = append(out, strings.TrimSpace(str))
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
