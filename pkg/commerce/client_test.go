package commerce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("should fail without a base url", func(t *testing.T) {
		_, err := NewHTTPClient(HTTPClientConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base URL is required")
	})
}

func TestHTTPClientCall(t *testing.T) {
	t.Run("should post the rpc envelope and return the result", func(t *testing.T) {
		var gotBody map[string]interface{}
		var gotHeaders http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeaders = r.Header.Clone()
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &gotBody))
			w.Write([]byte(`{"result": {"total": 1}}`))
		}))
		defer server.Close()

		client, err := NewHTTPClient(HTTPClientConfig{
			BaseURL:       server.URL,
			ApplicationID: "app-7",
			Logger:        zerolog.Nop(),
		})
		require.NoError(t, err)

		sess := &Session{Token: "tok-1", StoreID: "store-2", Cookies: map[string]string{"sid": "abc"}}
		raw, err := client.Call(context.Background(), MethodProductSearch, map[string]interface{}{"term": "shoes"}, sess)
		require.NoError(t, err)

		assert.JSONEq(t, `{"total": 1}`, string(raw))
		assert.Equal(t, MethodProductSearch, gotBody["method"])
		assert.Equal(t, "app-7", gotHeaders.Get("X-Application-Id"))
		assert.Equal(t, "Bearer tok-1", gotHeaders.Get("Authorization"))
		assert.Equal(t, "store-2", gotHeaders.Get("X-Store-Id"))
		assert.Contains(t, gotHeaders.Get("Cookie"), "sid=abc")
	})

	t.Run("should surface a structured backend error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error": {"code": "not_found", "message": "unknown product"}}`))
		}))
		defer server.Close()

		client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Logger: zerolog.Nop()})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), MethodProductDetail, map[string]interface{}{"id": "ghost"}, nil)
		require.Error(t, err)

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "not_found", rpcErr.Code)
		assert.Contains(t, rpcErr.Error(), "unknown product")
	})

	t.Run("should wrap non-200 responses into an rpc error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway timeout", http.StatusBadGateway)
		}))
		defer server.Close()

		client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Logger: zerolog.Nop()})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), MethodCartAdd, nil, nil)
		require.Error(t, err)

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "http_502", rpcErr.Code)
	})
}
