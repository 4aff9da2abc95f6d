package confirm

import (
	"strings"

	"github.com/shopclerk/shopclerk/pkg/i18n"
)

// Verdict classifies a user message against a pending confirmation.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictAffirm
	VerdictReject
)

// Closed yes/no vocabularies. Multi-word entries are matched against the
// whole normalized message, single words also against its first token.
var affirmations = map[string][]string{
	"en": {"yes", "y", "yes please", "yep", "yeah", "sure", "ok", "okay", "confirm", "go ahead", "do it", "please do", "sounds good"},
	"de": {"ja", "jap", "jawohl", "klar", "gerne", "ok", "okay", "passt", "mach das", "ja bitte", "bestätigen", "in ordnung"},
}

var rejections = map[string][]string{
	"en": {"no", "n", "nope", "no thanks", "cancel", "stop", "abort", "don't", "do not", "never mind", "forget it"},
	"de": {"nein", "ne", "nee", "nein danke", "abbrechen", "stopp", "stop", "lass das", "lieber nicht", "doch nicht"},
}

// Classify decides whether a message affirms or rejects the outstanding
// action. Anything not in the closed vocabulary is VerdictUnknown, in
// which case the pending action stays untouched and the prompt is repeated.
func Classify(message, locale string) Verdict {
	normalized := normalize(message)
	if normalized == "" {
		return VerdictUnknown
	}
	first, _, _ := strings.Cut(normalized, " ")
	locale = i18n.NormalizeLocale(locale)

	if matches(normalized, first, rejections[locale]) || matches(normalized, first, rejections[i18n.DefaultLocale]) {
		return VerdictReject
	}
	if matches(normalized, first, affirmations[locale]) || matches(normalized, first, affirmations[i18n.DefaultLocale]) {
		return VerdictAffirm
	}
	return VerdictUnknown
}

func matches(normalized, first string, vocab []string) bool {
	for _, entry := range vocab {
		if normalized == entry {
			return true
		}
		if !strings.Contains(entry, " ") && first == entry {
			return true
		}
	}
	return false
}

func normalize(message string) string {
	message = strings.ToLower(strings.TrimSpace(message))
	message = strings.Trim(message, ".!?,;: ")
	return strings.Join(strings.Fields(message), " ")
}
