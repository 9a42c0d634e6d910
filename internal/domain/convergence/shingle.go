package convergence

import "strings"

// shingles tokenizes content (lowercased, punctuation stripped) and returns
// the set of k-token shingles. Content shorter than k tokens yields a single
// shingle of the whole token run so short turns still compare.
func shingles(content string, k int) map[string]struct{} {
	tokens := tokenize(content)
	out := make(map[string]struct{})
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < k {
		out[strings.Join(tokens, " ")] = struct{}{}
		return out
	}
	for i := 0; i+k <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+k], " ")] = struct{}{}
	}
	return out
}

func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r >= 0x80: // keep non-ASCII letters intact
			return false
		}
		return true
	})
}

// similarity computes |a∩b| / min(|a|,|b|) over two shingle sets. The overlap
// form scores a turn that merely extends its predecessor ("... as noted") as
// fully repetitive, where plain Jaccard would dilute it with the suffix.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for s := range a {
		if _, ok := b[s]; ok {
			inter++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(inter) / float64(smaller)
}
