package commerce

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Wire shapes as returned by the backend. Field coverage is limited to what
// the orchestrator needs; everything else stays in the raw payload.
type wireVariant struct {
	ID         string            `json:"id"`
	PartNumber string            `json:"partNumber"`
	Dimensions map[string]string `json:"dimensions"`
	OnHand     int               `json:"onHand"`
	Buyable    bool              `json:"buyable"`
}

type wireProduct struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	PartNumber string        `json:"partNumber"`
	EAN        string        `json:"ean"`
	Price      string        `json:"price"`
	Buyable    bool          `json:"buyable"`
	ImageURL   string        `json:"imageUrl"`
	Variants   []wireVariant `json:"variants"`
}

type wireSearchResult struct {
	Total    int           `json:"total"`
	Products []wireProduct `json:"products"`
}

// NormalizeProduct converts a raw productDetail payload into a Product.
func NormalizeProduct(raw json.RawMessage) (Product, error) {
	var wp wireProduct
	if err := json.Unmarshal(raw, &wp); err != nil {
		return Product{}, fmt.Errorf("failed to decode product payload: %w", err)
	}
	if wp.ID == "" {
		return Product{}, fmt.Errorf("product payload has no id")
	}

	p := Product{
		ID:         wp.ID,
		Name:       wp.Name,
		PartNumber: wp.PartNumber,
		EAN:        wp.EAN,
		Price:      wp.Price,
		Buyable:    wp.Buyable,
		FetchedAt:  time.Now(),
	}
	for _, wv := range wp.Variants {
		p.Variants = append(p.Variants, Variant{
			ID:         wv.ID,
			PartNumber: wv.PartNumber,
			Label:      VariantLabel(wv.Dimensions),
			Dimensions: wv.Dimensions,
			OnHand:     wv.OnHand,
			Buyable:    wv.Buyable,
		})
	}

	return p, nil
}

// NormalizeSearchResults converts a raw productSearch payload into ordered
// result summaries (1-based indices) and display cards.
func NormalizeSearchResults(raw json.RawMessage) ([]ResultSummary, []ProductCard, error) {
	var ws wireSearchResult
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, nil, fmt.Errorf("failed to decode search payload: %w", err)
	}

	var summaries []ResultSummary
	var cards []ProductCard
	for i, wp := range ws.Products {
		if wp.ID == "" {
			continue
		}
		buyable := wp.Buyable
		summaries = append(summaries, ResultSummary{
			Index:        i + 1,
			ProductID:    wp.ID,
			Name:         wp.Name,
			PartNumber:   wp.PartNumber,
			EAN:          wp.EAN,
			Available:    &buyable,
			VariantCount: len(wp.Variants),
		})
		cards = append(cards, ProductCard{
			ProductID: wp.ID,
			Name:      wp.Name,
			Price:     wp.Price,
			ImageURL:  wp.ImageURL,
		})
	}

	return summaries, cards, nil
}

// VariantLabel builds a human-readable label from variant dimensions, e.g.
// "Color: Blue, Size: 42". Keys are sorted for stable output.
func VariantLabel(dims map[string]string) string {
	if len(dims) == 0 {
		return ""
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, dims[k]))
	}
	return strings.Join(parts, ", ")
}

// VariantChoices builds the 1-based disambiguation list for a product's
// variants, preserving backend order.
func VariantChoices(p Product) []VariantChoice {
	choices := make([]VariantChoice, 0, len(p.Variants))
	for i, v := range p.Variants {
		choices = append(choices, VariantChoice{
			Index:      i + 1,
			VariantID:  v.ID,
			Label:      v.Label,
			Dimensions: v.Dimensions,
			OnHand:     v.OnHand,
			Buyable:    v.Buyable,
			PartNumber: v.PartNumber,
		})
	}
	return choices
}
