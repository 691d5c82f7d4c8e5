package approval

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Verdict is the outcome of classifying a free-text reply.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictApprove
	VerdictReject
)

// Keyword sets are matched exactly after folding; partial or embedded
// matches ("yes please", "yess") never count.
var (
	approveWords = map[string]bool{
		"yes": true, "y": true, "approve": true, "ok": true, "confirm": true, "si": true,
	}
	rejectWords = map[string]bool{
		"no": true, "n": true, "reject": true, "deny": true, "cancel": true,
	}
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases text and strips diacritics so "Sí" matches "si".
func fold(text string) string {
	out, _, err := transform.String(foldTransformer, text)
	if err != nil {
		out = text
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Classify maps a user reply to an approval verdict. Only an exact
// keyword (after trimming, case folding, and accent stripping) counts;
// anything else is VerdictNone and leaves pending approvals untouched.
func Classify(text string) Verdict {
	folded := fold(text)
	switch {
	case approveWords[folded]:
		return VerdictApprove
	case rejectWords[folded]:
		return VerdictReject
	default:
		return VerdictNone
	}
}
