// Package memory holds per-conversation short-term recall: the last search
// results, a deduplicated shortlist and any outstanding variant
// disambiguation. The orchestrator reads it; the caller folds turn output
// back in and persists it with the conversation.
package memory

import (
	"time"

	"github.com/shopclerk/shopclerk/pkg/commerce"
)

const (
	// MaxLastResults caps the remembered search result list.
	MaxLastResults = 10
	// MaxShortlist caps the shortlist; the oldest entry is evicted beyond it.
	MaxShortlist = 10
)

// WorkingMemory is the short-term recall for one conversation.
type WorkingMemory struct {
	LastResults     []commerce.ResultSummary  `json:"last_results,omitempty"`
	Shortlist       []commerce.ShortlistEntry `json:"shortlist,omitempty"`
	VariantChoices  []commerce.VariantChoice  `json:"variant_choices,omitempty"`
	VariantParentID string                    `json:"variant_parent_id,omitempty"`
}

// New returns an empty working memory.
func New() *WorkingMemory {
	return &WorkingMemory{}
}

// ReplaceResults replaces the remembered search results with the newest
// list, reindexing to 1-based positions and capping at MaxLastResults.
// An empty candidate list leaves the previous results untouched.
func (wm *WorkingMemory) ReplaceResults(results []commerce.ResultSummary) {
	if len(results) == 0 {
		return
	}
	if len(results) > MaxLastResults {
		results = results[:MaxLastResults]
	}
	wm.LastResults = make([]commerce.ResultSummary, len(results))
	for i, r := range results {
		r.Index = i + 1
		wm.LastResults[i] = r
	}
}

// AddToShortlist appends a product to the shortlist, deduplicating by
// product id and evicting the oldest entry when the cap is exceeded.
func (wm *WorkingMemory) AddToShortlist(productID, name string) {
	if productID == "" {
		return
	}
	for _, entry := range wm.Shortlist {
		if entry.ProductID == productID {
			return
		}
	}
	wm.Shortlist = append(wm.Shortlist, commerce.ShortlistEntry{
		ProductID: productID,
		Name:      name,
		AddedAt:   time.Now(),
	})
	if len(wm.Shortlist) > MaxShortlist {
		wm.Shortlist = wm.Shortlist[len(wm.Shortlist)-MaxShortlist:]
	}
}

// SetVariantChoices records an in-progress disambiguation. All choices
// belong to the given parent product.
func (wm *WorkingMemory) SetVariantChoices(parentID string, choices []commerce.VariantChoice) {
	wm.VariantParentID = parentID
	wm.VariantChoices = choices
}

// ClearVariantChoices drops an outstanding disambiguation.
func (wm *WorkingMemory) ClearVariantChoices() {
	wm.VariantParentID = ""
	wm.VariantChoices = nil
}

// HasVariantChoices reports whether a disambiguation is outstanding.
func (wm *WorkingMemory) HasVariantChoices() bool {
	return len(wm.VariantChoices) > 0
}

// IsEmpty reports whether the memory holds nothing worth persisting.
func (wm *WorkingMemory) IsEmpty() bool {
	return len(wm.LastResults) == 0 && len(wm.Shortlist) == 0 && len(wm.VariantChoices) == 0
}
