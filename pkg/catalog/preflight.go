// Package catalog holds normalized product knowledge: the preflight check
// that guards cart mutations and the cache of fetched product details.
package catalog

import "github.com/shopclerk/shopclerk/pkg/commerce"

// Decision is the outcome of the variant preflight check.
type Decision string

const (
	// DecisionProceed lets the mutation continue, possibly with a
	// rewritten line-item identifier.
	DecisionProceed Decision = "proceed"
	// DecisionDisambiguate requires the user to pick a variant first.
	DecisionDisambiguate Decision = "disambiguate"
	// DecisionNotBuyable terminates the attempt with an explanation.
	DecisionNotBuyable Decision = "not_buyable"
	// DecisionNeedsFetch means the product is unknown here; the original
	// identifier flows through and the backend gets to reject it.
	DecisionNeedsFetch Decision = "needs_fetch"
)

// Result carries the preflight decision and its supporting data.
type Result struct {
	Decision    Decision
	Rewritten   bool
	PartNumber  string
	ProductID   string
	ProductName string
	Label       string
	Choices     []commerce.VariantChoice
}

// Check decides whether a cart mutation targeting productID may proceed,
// given the product details known so far. It is pure: no I/O, no mutation
// of the supplied map. The target may be a parent product id or a specific
// variant id.
func Check(productID string, known map[string]commerce.Product) Result {
	if p, ok := known[productID]; ok {
		return checkProduct(p)
	}

	// The target may name a variant of a known parent directly.
	for _, p := range known {
		for _, v := range p.Variants {
			if v.ID == productID || v.PartNumber == productID {
				if !v.Buyable {
					return Result{Decision: DecisionNotBuyable, ProductID: p.ID, ProductName: p.Name}
				}
				return Result{
					Decision:    DecisionProceed,
					Rewritten:   v.PartNumber != productID,
					PartNumber:  v.PartNumber,
					ProductID:   p.ID,
					ProductName: p.Name,
					Label:       v.Label,
				}
			}
		}
	}

	return Result{Decision: DecisionNeedsFetch, ProductID: productID}
}

func checkProduct(p commerce.Product) Result {
	buyable := p.BuyableVariants()

	switch {
	case len(buyable) == 0 && !p.Buyable:
		return Result{Decision: DecisionNotBuyable, ProductID: p.ID, ProductName: p.Name}

	case len(buyable) == 0:
		// Parent itself is the sellable unit.
		part := p.PartNumber
		if part == "" {
			part = p.ID
		}
		return Result{
			Decision:    DecisionProceed,
			Rewritten:   part != p.ID,
			PartNumber:  part,
			ProductID:   p.ID,
			ProductName: p.Name,
		}

	case len(buyable) == 1:
		v := buyable[0]
		return Result{
			Decision:    DecisionProceed,
			Rewritten:   true,
			PartNumber:  v.PartNumber,
			ProductID:   p.ID,
			ProductName: p.Name,
			Label:       v.Label,
		}

	default:
		// Backend order is preserved; display sorting is not this layer's
		// concern. Non-buyable variants stay in the list with their flag.
		return Result{
			Decision:    DecisionDisambiguate,
			ProductID:   p.ID,
			ProductName: p.Name,
			Choices:     commerce.VariantChoices(p),
		}
	}
}
