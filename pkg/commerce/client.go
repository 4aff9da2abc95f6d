package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Method names understood by the commerce backend.
const (
	MethodProductSearch = "productSearch"
	MethodProductDetail = "productDetail"
	MethodCartAdd       = "cartAdd"
	MethodCartRemove    = "cartRemove"
)

// Client is the remote commerce backend: RPC keyed by method name with JSON
// params, returning raw JSON. Implementations must be safe for concurrent
// use across conversations.
type Client interface {
	Call(ctx context.Context, method string, params map[string]interface{}, sess *Session) (json.RawMessage, error)
}

// RPCError is a structured error returned by the backend.
type RPCError struct {
	Method  string `json:"method"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("commerce %s failed: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("commerce %s failed: %s", e.Method, e.Message)
}

// HTTPClient talks to the commerce backend over JSON-over-POST.
type HTTPClient struct {
	baseURL       string
	applicationID string
	httpClient    *http.Client
	logger        zerolog.Logger
}

// HTTPClientConfig holds HTTP client configuration.
type HTTPClientConfig struct {
	BaseURL       string
	ApplicationID string
	Timeout       time.Duration
	Logger        zerolog.Logger
}

// NewHTTPClient creates a new commerce HTTP client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPClient{
		baseURL:       cfg.BaseURL,
		applicationID: cfg.ApplicationID,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        cfg.Logger,
	}, nil
}

type rpcRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call implements Client.
func (c *HTTPClient) Call(ctx context.Context, method string, params map[string]interface{}, sess *Session) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.applicationID != "" {
		req.Header.Set("X-Application-Id", c.applicationID)
	}
	if sess != nil && sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
	if sess != nil && sess.StoreID != "" {
		req.Header.Set("X-Store-Id", sess.StoreID)
	}
	if sess != nil {
		for name, value := range sess.Cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commerce %s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	c.logger.Debug().
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Commerce backend call completed")

	if resp.StatusCode != http.StatusOK {
		return nil, &RPCError{
			Method:  method,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: truncateBody(payload),
		}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, &RPCError{Method: method, Code: decoded.Error.Code, Message: decoded.Error.Message}
	}

	return decoded.Result, nil
}

func truncateBody(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
