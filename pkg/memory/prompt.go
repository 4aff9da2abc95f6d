package memory

import (
	"fmt"
	"strings"
)

// BuildProductMemory renders the PRODUCT_MEMORY system block enumerating
// known candidates compactly. The model uses it to reason over descriptive
// references ("the blue one") that the deterministic resolver skips.
// Returns "" when there is nothing to enumerate.
func BuildProductMemory(wm *WorkingMemory) string {
	if wm == nil || (len(wm.LastResults) == 0 && len(wm.Shortlist) == 0) {
		return ""
	}

	var b strings.Builder
	b.WriteString("PRODUCT_MEMORY\n")

	if len(wm.LastResults) > 0 {
		b.WriteString("Recent search results:\n")
		for _, r := range wm.LastResults {
			fmt.Fprintf(&b, "%d. %s (id=%s", r.Index, r.Name, r.ProductID)
			if r.PartNumber != "" {
				fmt.Fprintf(&b, ", part=%s", r.PartNumber)
			}
			if r.Available != nil && !*r.Available {
				b.WriteString(", unavailable")
			}
			if r.VariantCount > 1 {
				fmt.Fprintf(&b, ", %d variants", r.VariantCount)
			}
			b.WriteString(")\n")
		}
	}

	if len(wm.Shortlist) > 0 {
		b.WriteString("Shortlisted products:\n")
		for _, s := range wm.Shortlist {
			fmt.Fprintf(&b, "- %s (id=%s)\n", s.Name, s.ProductID)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
