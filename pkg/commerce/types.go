package commerce

import "time"

// Session carries opaque backend session state for a conversation. It is
// owned by the transport layer and passed through to every backend call.
type Session struct {
	Token   string            `json:"token,omitempty"`
	StoreID string            `json:"store_id,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// Variant is a specific buyable configuration of a parent product.
type Variant struct {
	ID         string            `json:"id"`
	PartNumber string            `json:"part_number"`
	Label      string            `json:"label,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	OnHand     int               `json:"on_hand"`
	Buyable    bool              `json:"buyable"`
}

// Product is a normalized product detail record.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PartNumber string    `json:"part_number,omitempty"`
	EAN        string    `json:"ean,omitempty"`
	Price      string    `json:"price,omitempty"`
	Buyable    bool      `json:"buyable"`
	Variants   []Variant `json:"variants,omitempty"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
}

// HasBuyableVariant reports whether any variant of the product is buyable.
func (p Product) HasBuyableVariant() bool {
	for _, v := range p.Variants {
		if v.Buyable {
			return true
		}
	}
	return false
}

// BuyableVariants returns the buyable variants in backend order.
func (p Product) BuyableVariants() []Variant {
	var out []Variant
	for _, v := range p.Variants {
		if v.Buyable {
			out = append(out, v)
		}
	}
	return out
}

// ResultSummary is one entry of a search result list held in working memory.
// Index is 1-based and refers to the position shown to the user.
type ResultSummary struct {
	Index        int    `json:"index"`
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	PartNumber   string `json:"part_number,omitempty"`
	EAN          string `json:"ean,omitempty"`
	Available    *bool  `json:"available,omitempty"`
	VariantCount int    `json:"variant_count,omitempty"`
}

// ShortlistEntry is a user-selected product remembered across turns.
type ShortlistEntry struct {
	ProductID string    `json:"product_id"`
	Name      string    `json:"name"`
	AddedAt   time.Time `json:"added_at"`
}

// VariantChoice is one candidate of an in-progress variant disambiguation.
// Index is 1-based; PartNumber is the identifier the backend accepts for
// cart mutation.
type VariantChoice struct {
	Index      int               `json:"index"`
	VariantID  string            `json:"variant_id"`
	Label      string            `json:"label"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	OnHand     int               `json:"on_hand"`
	Buyable    bool              `json:"buyable"`
	PartNumber string            `json:"part_number"`
}

// ProductCard is the display payload collected for the caller alongside a
// turn. Rendering is the frontend's concern.
type ProductCard struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Price        string `json:"price,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Availability string `json:"availability,omitempty"`
}

// VariantAvailability summarizes per-product variant stock for the caller.
type VariantAvailability struct {
	ProductID    string `json:"product_id"`
	VariantCount int    `json:"variant_count"`
	BuyableCount int    `json:"buyable_count"`
}
