package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadGoldenDictations reads and parses a golden dictation set from a JSON file.
func LoadGoldenDictations(path string) ([]GoldenDictation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden dictations file: %w", err)
	}

	var dictations []GoldenDictation
	if err := json.Unmarshal(data, &dictations); err != nil {
		return nil, fmt.Errorf("failed to parse golden dictations: %w", err)
	}

	return dictations, nil
}

var validDifficulties = map[string]bool{
	"easy":   true,
	"medium": true,
	"hard":   true,
}

// ValidateGoldenDictations checks that every entry has an id, text, a valid
// focus and difficulty, and at least one expected code.
func ValidateGoldenDictations(dictations []GoldenDictation) error {
	seen := make(map[string]struct{}, len(dictations))

	for i, d := range dictations {
		if d.ID == "" {
			return fmt.Errorf("dictation at index %d: missing id", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("dictation at index %d: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}

		if d.Dictation == "" {
			return fmt.Errorf("dictation %q: missing dictation text", d.ID)
		}
		if !d.Focus.IsValid() {
			return fmt.Errorf("dictation %q: invalid focus %q", d.ID, d.Focus)
		}
		if !validDifficulties[d.Difficulty] {
			return fmt.Errorf("dictation %q: invalid difficulty %q (must be easy/medium/hard)", d.ID, d.Difficulty)
		}
		if len(d.ExpectedICD10) == 0 && len(d.ExpectedCPT) == 0 {
			return fmt.Errorf("dictation %q: no expected codes", d.ID)
		}
	}

	return nil
}
