package services

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// minTermLength is the shortest ordinary term kept; known acronyms and code
// literals are exempt.
const minTermLength = 4

var (
	icd10Pattern = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9A-Z]{1,4})?$`)
	cptPattern   = regexp.MustCompile(`^[0-9]{5}$`)
)

var defaultModalities = []string{
	"ct", "cta", "mri", "mra", "mrcp", "pet", "spect", "xray", "x-ray", "radiograph", "radiography",
	"ultrasound", "sonogram", "sonography", "doppler", "mammogram", "mammography", "fluoroscopy",
	"angiography", "angiogram", "dexa", "ekg", "ecg", "echocardiogram", "contrast", "tomography",
	"elastography", "scintigraphy",
}

var defaultAnatomy = []string{
	"head", "brain", "skull", "neck", "spine", "cervical", "thoracic", "lumbar", "sacral", "chest",
	"lung", "lungs", "heart", "cardiac", "abdomen", "abdominal", "pelvis", "pelvic", "liver", "hepatic",
	"gallbladder", "biliary", "pancreas", "spleen", "kidney", "kidneys", "renal", "bladder", "bowel",
	"colon", "stomach", "esophagus", "prostate", "uterus", "ovary", "ovaries", "breast", "shoulder",
	"elbow", "wrist", "hand", "hip", "knee", "ankle", "foot", "femur", "tibia", "patella", "sinus",
	"thyroid", "aorta", "carotid", "quadrant", "upper", "lower", "right", "left", "bilateral",
}

var defaultStopWords = []string{
	"patient", "patients", "history", "with", "without", "from", "this", "that", "these", "those",
	"have", "has", "been", "were", "which", "there", "their", "about", "after", "also", "into",
	"over", "under", "than", "then", "when", "where", "while", "will", "would", "should", "could",
	"year", "years", "old", "male", "female", "presents", "presenting", "reports", "reported",
	"complains", "noted", "please", "evaluate", "evaluation", "rule", "some", "other", "very",
}

// KeywordExtractor turns dictation into categorized search terms. It is pure:
// identical text always yields identical keywords in identical order.
type KeywordExtractor struct {
	modalities map[string]struct{}
	anatomy    map[string]struct{}
	stopWords  map[string]struct{}
}

// NewKeywordExtractor creates an extractor with the built-in clinical
// dictionaries
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{
		modalities: toSet(defaultModalities),
		anatomy:    toSet(defaultAnatomy),
		stopWords:  toSet(defaultStopWords),
	}
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[normalizeToken(w)] = struct{}{}
	}
	return set
}

// Extract returns lowercase, deduplicated keywords in order of first use
func (e *KeywordExtractor) Extract(text string) []entities.Keyword {
	var out []entities.Keyword
	seen := make(map[string]struct{})
	add := func(term string, category entities.KeywordCategory) {
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		out = append(out, entities.Keyword{Term: term, Category: category})
	}

	for _, raw := range strings.Fields(text) {
		// Codes are matched before punctuation is stripped so the dot survives.
		if code, ok := codeLiteral(raw); ok {
			add(strings.ToLower(code), entities.CategoryCodeLiteral)
			continue
		}

		for _, token := range splitToken(raw) {
			if _, stop := e.stopWords[token]; stop {
				continue
			}
			category := e.categorize(token)
			if len(token) < minTermLength && category == entities.CategorySymptom {
				continue
			}
			add(token, category)
		}
	}
	return out
}

// ExtractTerms returns just the terms of Extract
func (e *KeywordExtractor) ExtractTerms(text string) []string {
	return entities.Terms(e.Extract(text))
}

func (e *KeywordExtractor) categorize(token string) entities.KeywordCategory {
	if _, ok := e.modalities[token]; ok {
		return entities.CategoryModality
	}
	if _, ok := e.anatomy[token]; ok {
		return entities.CategoryAnatomy
	}
	return entities.CategorySymptom
}

// CodeLiterals returns the uppercase codes among keywords
func CodeLiterals(keywords []entities.Keyword) []string {
	var codes []string
	for _, k := range keywords {
		if k.Category == entities.CategoryCodeLiteral {
			codes = append(codes, strings.ToUpper(k.Term))
		}
	}
	return codes
}

func codeLiteral(raw string) (string, bool) {
	candidate := strings.ToUpper(strings.TrimFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	if icd10Pattern.MatchString(candidate) || cptPattern.MatchString(candidate) {
		return candidate, true
	}
	return "", false
}

// splitToken lowercases a raw token, joins across hyphens and apostrophes,
// and splits on any other punctuation.
func splitToken(raw string) []string {
	normalized := normalizeToken(raw)
	return strings.Fields(normalized)
}

func normalizeToken(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case r == '-' || r == '\'' || r == '’':
		default:
			sb.WriteRune(' ')
		}
	}
	return sb.String()
}
