package api

import "encoding/json"

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type RemoveManyRequest struct {
	Keys []string `json:"keys"`
}

type ReadyDTO struct {
	Status        string `json:"status"`
	Backend       string `json:"backend"`
	TTLPolicy     string `json:"ttlPolicy"`
	ActiveBackend string `json:"activeBackend,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Error codes returned in ErrorResponse.Code
const (
	CodeNotFound           = "not_found"
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidTTL         = "invalid_ttl"
	CodeSerializationError = "serialization_error"
	CodeQueryError         = "query_error"
	CodeConnectionError    = "connection_error"
	CodeUnavailable        = "unavailable"
	CodeInternalError      = "internal_error"
)

// JSON-RPC 2.0 request structure
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSON-RPC 2.0 response structure
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSON-RPC 2.0 error structure
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// kv_get, kv_set and kv_remove parameters
type KeyParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	TTL   *uint64         `json:"ttl,omitempty"`
}

// kv_get result
type GetResult struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// JSON-RPC error codes (following standard)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	// Store failures; Data carries the error kind
	JSONRPCStoreError = -32000
)
