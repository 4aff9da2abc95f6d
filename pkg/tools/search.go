package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/pkg/commerce"
)

const defaultSearchLimit = 10

// SearchResult is the typed output of the product_search tool. The loop
// harvests Summaries and Cards for working memory; the model sees the JSON
// rendering.
type SearchResult struct {
	Query     string                   `json:"query"`
	Total     int                      `json:"total"`
	Broadened bool                     `json:"broadened,omitempty"`
	Summaries []commerce.ResultSummary `json:"results"`
	Cards     []commerce.ProductCard   `json:"-"`
}

// SearchTool searches the commerce catalog.
type SearchTool struct {
	client commerce.Client
	logger zerolog.Logger
}

// NewSearchTool creates the product_search tool.
func NewSearchTool(client commerce.Client, logger zerolog.Logger) *SearchTool {
	return &SearchTool{client: client, logger: logger}
}

func (t *SearchTool) Name() string { return NameProductSearch }

func (t *SearchTool) Description() string {
	return "Search the product catalog by free-text query. Returns up to 10 matching products with ids, names and availability."
}

func (t *SearchTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"description": "Free-text search query, e.g. a product name or category.",
		},
		"limit": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum number of results (default 10).",
		},
	}, "query")
}

func (t *SearchTool) Mutating() bool { return false }

// Execute runs the search. A query with zero hits is retried once with a
// broadened term (its longest word) before reporting an empty result.
func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx RequestContext) (interface{}, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	limit := defaultSearchLimit
	if v, ok := args["limit"].(float64); ok && int(v) > 0 && int(v) < defaultSearchLimit {
		limit = int(v)
	}

	result, err := t.search(ctx, query, limit, sess)
	if err != nil {
		return nil, err
	}

	if len(result.Summaries) == 0 {
		if broadened := broadenQuery(query); broadened != "" {
			t.logger.Debug().Str("query", query).Str("broadened", broadened).Msg("Empty search result, retrying broadened")
			retried, err := t.search(ctx, broadened, limit, sess)
			if err == nil && len(retried.Summaries) > 0 {
				retried.Broadened = true
				return retried, nil
			}
		}
	}

	return result, nil
}

func (t *SearchTool) search(ctx context.Context, query string, limit int, sess *commerce.Session) (*SearchResult, error) {
	raw, err := t.client.Call(ctx, commerce.MethodProductSearch, map[string]interface{}{
		"term":  query,
		"limit": limit,
	}, sess)
	if err != nil {
		return nil, err
	}

	summaries, cards, err := commerce.NormalizeSearchResults(raw)
	if err != nil {
		return nil, err
	}

	return &SearchResult{
		Query:     query,
		Total:     len(summaries),
		Summaries: summaries,
		Cards:     cards,
	}, nil
}

// broadenQuery reduces a multi-word query to its longest word. Returns ""
// when there is nothing to broaden.
func broadenQuery(query string) string {
	words := strings.Fields(query)
	if len(words) < 2 {
		return ""
	}
	longest := words[0]
	for _, w := range words[1:] {
		if len(w) > len(longest) {
			longest = w
		}
	}
	return longest
}
