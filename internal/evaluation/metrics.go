package evaluation

import "strings"

// normalizeCode makes "r10.11 " and "R10.11" compare equal.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func codeSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c = normalizeCode(c); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

func topK(retrieved []string, k int) []string {
	if k > 0 && k < len(retrieved) {
		return retrieved[:k]
	}
	return retrieved
}

// RecallAtK computes Recall@K: the fraction of expected codes found in the
// top-K retrieved codes. Returns 0.0 if expected is empty.
func RecallAtK(expected, retrieved []string, k int) float64 {
	want := codeSet(expected)
	if len(want) == 0 {
		return 0.0
	}

	found := make(map[string]struct{}, len(want))
	for _, r := range topK(retrieved, k) {
		r = normalizeCode(r)
		if _, ok := want[r]; ok {
			found[r] = struct{}{}
		}
	}

	return float64(len(found)) / float64(len(want))
}

// MRRAtK computes the reciprocal rank of the first expected code in the
// top-K retrieved codes. Returns 0.0 if none is found.
func MRRAtK(expected, retrieved []string, k int) float64 {
	want := codeSet(expected)
	if len(want) == 0 {
		return 0.0
	}

	for i, r := range topK(retrieved, k) {
		if _, ok := want[normalizeCode(r)]; ok {
			return 1.0 / float64(i+1)
		}
	}

	return 0.0
}
