package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/pkg/commerce"
)

// CartAddTool adds an item to the cart. Being mutating, it only ever runs
// after the confirmation gate has collected the user's consent.
type CartAddTool struct {
	client commerce.Client
	logger zerolog.Logger
}

// NewCartAddTool creates the cart_add tool.
func NewCartAddTool(client commerce.Client, logger zerolog.Logger) *CartAddTool {
	return &CartAddTool{client: client, logger: logger}
}

func (t *CartAddTool) Name() string { return NameCartAdd }

func (t *CartAddTool) Description() string {
	return "Add a product to the shopping cart. Requires the product id or part number and an optional quantity."
}

func (t *CartAddTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"part_number": map[string]interface{}{
			"type":        "string",
			"description": "The product id or part number to add.",
		},
		"quantity": map[string]interface{}{
			"type":        "integer",
			"description": "Number of units (default 1).",
		},
	}, "part_number")
}

func (t *CartAddTool) Mutating() bool { return true }

// Execute performs the cart mutation with the stored, confirmed arguments.
func (t *CartAddTool) Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx RequestContext) (interface{}, error) {
	partNumber, _ := args["part_number"].(string)
	if partNumber == "" {
		return nil, fmt.Errorf("part_number cannot be empty")
	}
	quantity := 1
	if v, ok := args["quantity"].(float64); ok && int(v) > 0 {
		quantity = int(v)
	}

	raw, err := t.client.Call(ctx, commerce.MethodCartAdd, map[string]interface{}{
		"partNumber": partNumber,
		"quantity":   quantity,
	}, sess)
	if err != nil {
		return nil, err
	}

	t.logger.Info().Str("part_number", partNumber).Int("quantity", quantity).Msg("Cart add executed")
	return decodeCartResult(raw)
}

// CartRemoveTool removes an item from the cart. Mutating, gate-guarded.
type CartRemoveTool struct {
	client commerce.Client
	logger zerolog.Logger
}

// NewCartRemoveTool creates the cart_remove tool.
func NewCartRemoveTool(client commerce.Client, logger zerolog.Logger) *CartRemoveTool {
	return &CartRemoveTool{client: client, logger: logger}
}

func (t *CartRemoveTool) Name() string { return NameCartRemove }

func (t *CartRemoveTool) Description() string {
	return "Remove an item from the shopping cart by its part number."
}

func (t *CartRemoveTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"part_number": map[string]interface{}{
			"type":        "string",
			"description": "The part number of the cart line item to remove.",
		},
	}, "part_number")
}

func (t *CartRemoveTool) Mutating() bool { return true }

// Execute performs the cart mutation with the stored, confirmed arguments.
func (t *CartRemoveTool) Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx RequestContext) (interface{}, error) {
	partNumber, _ := args["part_number"].(string)
	if partNumber == "" {
		return nil, fmt.Errorf("part_number cannot be empty")
	}

	raw, err := t.client.Call(ctx, commerce.MethodCartRemove, map[string]interface{}{
		"partNumber": partNumber,
	}, sess)
	if err != nil {
		return nil, err
	}

	t.logger.Info().Str("part_number", partNumber).Msg("Cart remove executed")
	return decodeCartResult(raw)
}

func decodeCartResult(raw json.RawMessage) (interface{}, error) {
	var result map[string]interface{}
	if len(raw) == 0 {
		return map[string]interface{}{"ok": true}, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cart response: %w", err)
	}
	return result, nil
}
