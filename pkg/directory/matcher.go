package directory

import (
	"strings"
	"unicode"
)

// Matcher scores how closely a spoken, possibly mis-transcribed name matches
// a directory candidate. The composite score is the maximum of three
// independent signals: phonetic-code equality, normalized edit-distance
// similarity, and token overlap with per-token fuzzy equality.
type Matcher struct {
	// TokenFuzzyThreshold is the per-token similarity above which two tokens
	// are considered equal for the overlap signal
	TokenFuzzyThreshold float64
}

// phoneticMatchScore is the score assigned to names whose phonetic codes are
// equal but whose spellings differ
const phoneticMatchScore = 0.9

// NewMatcher creates a matcher with default thresholds
func NewMatcher() *Matcher {
	return &Matcher{TokenFuzzyThreshold: 0.8}
}

// Score returns the composite similarity of two names in [0,1]
func (m *Matcher) Score(query, candidate string) float64 {
	q := NormalizeName(query)
	c := NormalizeName(candidate)
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 1
	}

	score := editSimilarity(q, c)

	// Phonetic equality is strong evidence but never certainty: codes like
	// Soundex collapse too many distinct names to treat an equal code as an
	// exact match
	if phoneticCode(q) == phoneticCode(c) && score < phoneticMatchScore {
		score = phoneticMatchScore
	}

	if overlap := m.tokenOverlap(query, candidate); overlap > score {
		score = overlap
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// tokenOverlap measures the fraction of tokens with a fuzzy-equal partner in
// the other name
func (m *Matcher) tokenOverlap(query, candidate string) float64 {
	queryTokens := nameTokens(query)
	candidateTokens := nameTokens(candidate)
	if len(queryTokens) == 0 || len(candidateTokens) == 0 {
		return 0
	}

	matched := 0
	used := make([]bool, len(candidateTokens))
	for _, qt := range queryTokens {
		for i, ct := range candidateTokens {
			if used[i] {
				continue
			}
			if qt == ct || editSimilarity(qt, ct) > m.TokenFuzzyThreshold {
				matched++
				used[i] = true
				break
			}
		}
	}

	longest := len(queryTokens)
	if len(candidateTokens) > longest {
		longest = len(candidateTokens)
	}
	return float64(matched) / float64(longest)
}

// NormalizeName lowercases a name and strips everything but letters and digits
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeDepartment lowercases a department and strips non-alphanumerics
func NormalizeDepartment(department string) string {
	return NormalizeName(department)
}

// EntryKey builds the directory key for a name and department
func EntryKey(name, department string) string {
	return NormalizeName(name) + "_" + NormalizeDepartment(department)
}

// nameTokens splits a raw name into normalized tokens
func nameTokens(name string) []string {
	fields := strings.Fields(strings.ToLower(name))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := NormalizeName(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// editSimilarity converts Levenshtein distance into a similarity in [0,1]
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes the edit distance between two strings
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// phoneticCode computes a Soundex-style code over a normalized name. Equal
// codes mark names that sound alike despite transcription spelling drift.
func phoneticCode(normalized string) string {
	if normalized == "" {
		return ""
	}

	codeFor := func(r rune) byte {
		switch r {
		case 'b', 'f', 'p', 'v':
			return '1'
		case 'c', 'g', 'j', 'k', 'q', 's', 'x', 'z':
			return '2'
		case 'd', 't':
			return '3'
		case 'l':
			return '4'
		case 'm', 'n':
			return '5'
		case 'r':
			return '6'
		}
		return 0
	}

	runes := []rune(normalized)
	var b strings.Builder
	b.WriteRune(unicode.ToUpper(runes[0]))

	lastCode := codeFor(runes[0])
	for _, r := range runes[1:] {
		code := codeFor(r)
		if code == 0 {
			// Vowels and unmapped runes separate duplicate codes
			if r != 'h' && r != 'w' {
				lastCode = 0
			}
			continue
		}
		if code != lastCode {
			b.WriteByte(code)
			if b.Len() == 4 {
				break
			}
		}
		lastCode = code
	}

	for b.Len() < 4 {
		b.WriteByte('0')
	}
	return b.String()
}
