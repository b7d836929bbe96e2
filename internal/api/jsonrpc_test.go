package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/memory"
)

func rpc(t *testing.T, h http.Handler, body string) JSONRPCResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/jsonrpc", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestJSONRPCHandler_Success(t *testing.T) {
	srv, _ := createTestServer(t, memory.New(memory.Config{}))

	resp := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"kv_set","params":{"key":"array","value":["hola","test"]}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result)
	assert.Equal(t, float64(1), resp.ID)

	resp = rpc(t, srv, `{"jsonrpc":"2.0","id":"get-1","method":"kv_get","params":{"key":"array"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "get-1", resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["found"])
	assert.Equal(t, []interface{}{"hola", "test"}, result["value"])

	resp = rpc(t, srv, `{"jsonrpc":"2.0","id":2,"method":"kv_remove","params":{"key":"array"}}`)
	require.Nil(t, resp.Error)

	resp = rpc(t, srv, `{"jsonrpc":"2.0","id":3,"method":"kv_get","params":{"key":"array"}}`)
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, false, result["found"])
	assert.NotContains(t, result, "value")
}

func TestJSONRPCHandler_ManyAndClear(t *testing.T) {
	srv, _ := createTestServer(t, memory.New(memory.Config{}))

	for _, key := range []string{"a", "b", "c"} {
		resp := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"kv_set","params":{"key":"`+key+`","value":1}}`)
		require.Nil(t, resp.Error)
	}

	resp := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"kv_removeMany","params":{"keys":["a","b"]}}`)
	require.Nil(t, resp.Error)

	rec := do(t, srv, http.MethodGet, "/v1/kv/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodGet, "/v1/kv/c", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	resp = rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"kv_clear"}`)
	require.Nil(t, resp.Error)

	rec = do(t, srv, http.MethodGet, "/v1/kv/c", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJSONRPCHandler_SetWithTTL(t *testing.T) {
	store := &MockStore{}
	store.On("Set", "session", `{"id":7}`, 60*time.Second).Return(nil)
	srv, _ := createTestServer(t, store)

	resp := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"kv_set","params":{"key":"session","value":{"id":7},"ttl":60}}`)
	require.Nil(t, resp.Error)
	store.AssertExpectations(t)
}

func TestJSONRPCHandler_Errors(t *testing.T) {
	srv, _ := createTestServer(t, memory.New(memory.Config{}))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, JSONRPCParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"kv_get","params":{"key":"a"}}`, JSONRPCInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"kv_scan"}`, JSONRPCMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"kv_get"}`, JSONRPCInvalidParams},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"kv_get","params":[1,2]}`, JSONRPCInvalidParams},
		{"empty key", `{"jsonrpc":"2.0","id":1,"method":"kv_get","params":{"key":""}}`, JSONRPCInvalidParams},
		{"missing value", `{"jsonrpc":"2.0","id":1,"method":"kv_set","params":{"key":"a"}}`, JSONRPCInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, srv, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestJSONRPCHandler_StoreError(t *testing.T) {
	store := &MockStore{}
	store.On("Get", "k").Return(nil, false, kv.ConnectionError("get", errors.New("refused")))
	srv, _ := createTestServer(t, store)

	resp := rpc(t, srv, `{"jsonrpc":"2.0","id":9,"method":"kv_get","params":{"key":"k"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCStoreError, resp.Error.Code)
	assert.Equal(t, "connection error", resp.Error.Data)
	assert.Equal(t, float64(9), resp.ID)
}
