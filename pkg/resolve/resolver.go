// Package resolve maps user utterances onto working-memory records without
// calling the model. It handles ordinal references ("option 2", "#3", a bare
// number) and exact identifiers (product id, part number, EAN). Descriptive
// references ("the blue one") are deliberately left to the model, which sees
// the PRODUCT_MEMORY block instead.
package resolve

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopclerk/shopclerk/pkg/commerce"
)

var (
	// "option 2", "number 3", "nummer 2", "no. 4", "#3"
	ordinalPattern = regexp.MustCompile(`(?i)\b(?:option|choice|number|nummer|variante|no\.?|#)\s*(\d{1,2})\b`)
	// a bare "2", "2.", "#2" as the whole message
	barePattern = regexp.MustCompile(`^\s*#?(\d{1,2})\.?\s*$`)
	// identifier-looking tokens: product ids, part numbers, EANs
	tokenPattern = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9._-]{2,}`)
)

// Match is a successful resolution against the last search results.
type Match struct {
	Index     int
	ProductID string
	Name      string
}

// Hint renders the system-message hint injected alongside the user message.
// The user's original message is never replaced.
func (m Match) Hint() string {
	return fmt.Sprintf(
		"RESOLVER_HINT: the user's message refers to search result #%d: %q (product id %s). Use this product id for tool calls.",
		m.Index, m.Name, m.ProductID,
	)
}

// LooksLikeSelection reports whether the message plausibly references a list
// entry, which makes the selection resolver worth running. Ordinals always
// qualify; otherwise only short messages carrying an identifier-looking
// token (one with a digit) do.
func LooksLikeSelection(message string) bool {
	if ordinalPattern.MatchString(message) || barePattern.MatchString(message) {
		return true
	}
	if len(strings.Fields(message)) > 6 {
		return false
	}
	for _, token := range identifierTokens(message) {
		if strings.ContainsAny(token, "0123456789") {
			return true
		}
	}
	return false
}

// ResolveSelection resolves an ordinal or exact-identifier reference against
// the remembered search results. It never mutates its inputs.
func ResolveSelection(message string, results []commerce.ResultSummary) (Match, bool) {
	if len(results) == 0 {
		return Match{}, false
	}

	if idx, ok := ordinalIndex(message); ok {
		if idx >= 1 && idx <= len(results) {
			r := results[idx-1]
			return Match{Index: r.Index, ProductID: r.ProductID, Name: r.Name}, true
		}
		return Match{}, false
	}

	for _, token := range identifierTokens(message) {
		for _, r := range results {
			if equalsID(token, r.ProductID) || equalsID(token, r.PartNumber) || equalsID(token, r.EAN) {
				return Match{Index: r.Index, ProductID: r.ProductID, Name: r.Name}, true
			}
		}
	}

	return Match{}, false
}

// ResolveVariant resolves an ordinal or exact-identifier reference against
// an outstanding variant disambiguation.
func ResolveVariant(message string, choices []commerce.VariantChoice) (commerce.VariantChoice, bool) {
	if len(choices) == 0 {
		return commerce.VariantChoice{}, false
	}

	if idx, ok := ordinalIndex(message); ok {
		if idx >= 1 && idx <= len(choices) {
			return choices[idx-1], true
		}
		return commerce.VariantChoice{}, false
	}

	for _, token := range identifierTokens(message) {
		for _, c := range choices {
			if equalsID(token, c.VariantID) || equalsID(token, c.PartNumber) {
				return c, true
			}
		}
	}

	return commerce.VariantChoice{}, false
}

func ordinalIndex(message string) (int, bool) {
	if m := barePattern.FindStringSubmatch(message); m != nil {
		idx, err := strconv.Atoi(m[1])
		return idx, err == nil
	}
	if m := ordinalPattern.FindStringSubmatch(message); m != nil {
		idx, err := strconv.Atoi(m[1])
		return idx, err == nil
	}
	return 0, false
}

func identifierTokens(message string) []string {
	return tokenPattern.FindAllString(message, 8)
}

func equalsID(token, id string) bool {
	return id != "" && strings.EqualFold(token, id)
}
