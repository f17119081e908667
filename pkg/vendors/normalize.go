package vendors

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Business suffixes stripped during normalization, longest forms first so
// "INCORPORATED" never survives as "ORPORATED".
var businessSuffixes = []string{
	"INCORPORATED", "CORPORATION", "COMPANY", "LIMITED",
	"INC", "LLC", "LLP", "LTD", "CORP", "CO", "LP", "PLC", "DBA",
}

// Noise tokens dropped from normalized names.
var noiseTokens = map[string]bool{
	"THE": true,
	"AND": true,
	"OF":  true,
	"&":   true,
}

var foldDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize canonicalizes an extracted vendor name: diacritics folded,
// uppercased, business suffixes and noise tokens dropped, punctuation
// stripped except hyphens, whitespace collapsed. JOSÉ and JOSE normalize
// identically.
func Normalize(name string) string {
	folded, _, err := transform.String(foldDiacritics, name)
	if err != nil {
		folded = name
	}
	upper := strings.ToUpper(folded)

	var b strings.Builder
	for _, r := range upper {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '\'', r == '’':
			// Apostrophes collapse so JOSE'S and JOSES agree.
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if noiseTokens[tok] || isSuffix(tok) {
			continue
		}
		out = append(out, tok)
	}
	// Dropping everything means the name was all suffix/noise; keep the
	// cleaned tokens rather than returning empty.
	if len(out) == 0 {
		return strings.Join(tokens, " ")
	}
	return strings.Join(out, " ")
}

func isSuffix(tok string) bool {
	for _, s := range businessSuffixes {
		if tok == s {
			return true
		}
	}
	return false
}

// Tokenize splits a normalized name into its scoring tokens.
func Tokenize(normalized string) []string {
	return strings.Fields(normalized)
}
