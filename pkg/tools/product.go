package tools

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/pkg/catalog"
	"github.com/shopclerk/shopclerk/pkg/commerce"
)

// ProductResult is the typed output of the product_get tool.
type ProductResult struct {
	Product      commerce.Product            `json:"product"`
	Card         commerce.ProductCard        `json:"-"`
	Availability commerce.VariantAvailability `json:"availability"`
}

// ProductTool fetches and normalizes a single product's details, feeding
// the catalog store so later preflight checks know the product.
type ProductTool struct {
	client  commerce.Client
	catalog *catalog.Store
	logger  zerolog.Logger
}

// NewProductTool creates the product_get tool.
func NewProductTool(client commerce.Client, store *catalog.Store, logger zerolog.Logger) *ProductTool {
	return &ProductTool{client: client, catalog: store, logger: logger}
}

func (t *ProductTool) Name() string { return NameProductGet }

func (t *ProductTool) Description() string {
	return "Fetch full details for one product by id, including its variants, prices and availability."
}

func (t *ProductTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"product_id": map[string]interface{}{
			"type":        "string",
			"description": "The product identifier to fetch.",
		},
	}, "product_id")
}

func (t *ProductTool) Mutating() bool { return false }

// Execute fetches the product and stores its normalized form.
func (t *ProductTool) Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx RequestContext) (interface{}, error) {
	productID, _ := args["product_id"].(string)
	if productID == "" {
		return nil, fmt.Errorf("product_id cannot be empty")
	}

	raw, err := t.client.Call(ctx, commerce.MethodProductDetail, map[string]interface{}{
		"id": productID,
	}, sess)
	if err != nil {
		return nil, err
	}

	product, err := commerce.NormalizeProduct(raw)
	if err != nil {
		return nil, err
	}

	if t.catalog != nil {
		if err := t.catalog.Put(ctx, product); err != nil {
			// Cache misses only cost an extra fetch later.
			t.logger.Warn().Err(err).Str("product_id", product.ID).Msg("Failed to cache product details")
		}
	}

	buyable := 0
	for _, v := range product.Variants {
		if v.Buyable {
			buyable++
		}
	}

	return &ProductResult{
		Product: product,
		Card: commerce.ProductCard{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
		},
		Availability: commerce.VariantAvailability{
			ProductID:    product.ID,
			VariantCount: len(product.Variants),
			BuyableCount: buyable,
		},
	}, nil
}
