package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/leafsii/keyv/pkg/kv"
)

// HandleJSONRPC handles JSON-RPC 2.0 requests
func (h *Handler) HandleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Parse JSON-RPC request
	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxValueBytes)).Decode(&req); err != nil {
		h.sendJSONRPCError(w, nil, JSONRPCParseError, "Parse error", err.Error())
		return
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "Invalid Request", "jsonrpc must be '2.0'")
		return
	}

	var (
		result interface{}
		err    error
	)

	switch req.Method {
	case "kv_get":
		result, err = h.rpcGet(r, req.Params)
	case "kv_set":
		result, err = h.rpcSet(r, req.Params)
	case "kv_remove":
		result, err = h.rpcRemove(r, req.Params)
	case "kv_removeMany":
		result, err = h.rpcRemoveMany(r, req.Params)
	case "kv_clear":
		result, err = true, h.kv.Clear(r.Context())
	default:
		h.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "Method not found", fmt.Sprintf("Method '%s' not found", req.Method))
		return
	}

	if err != nil {
		var perr *paramsError
		switch {
		case errors.As(err, &perr):
			h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", perr.Error())
		case errors.Is(err, kv.ErrEmptyKey):
			h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		default:
			h.logger.Errorw("JSON-RPC store call failed", "method", req.Method, "error", err)
			h.sendJSONRPCError(w, req.ID, JSONRPCStoreError, err.Error(), kv.KindOf(err).String())
		}
		return
	}

	json.NewEncoder(w).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	})
}

type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &paramsError{"params are required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &paramsError{err.Error()}
	}
	return nil
}

func (h *Handler) rpcGet(r *http.Request, raw json.RawMessage) (interface{}, error) {
	var p KeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	value, found, err := h.kv.Get(r.Context(), p.Key)
	if err != nil {
		return nil, err
	}
	return GetResult{Found: found, Value: value}, nil
}

func (h *Handler) rpcSet(r *http.Request, raw json.RawMessage) (interface{}, error) {
	var p KeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Value) == 0 {
		return nil, &paramsError{"value is required"}
	}
	var err error
	if p.TTL != nil {
		err = h.kv.SetWithTTL(r.Context(), p.Key, p.Value, *p.TTL)
	} else {
		err = h.kv.Set(r.Context(), p.Key, p.Value)
	}
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) rpcRemove(r *http.Request, raw json.RawMessage) (interface{}, error) {
	var p KeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.kv.Remove(r.Context(), p.Key); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) rpcRemoveMany(r *http.Request, raw json.RawMessage) (interface{}, error) {
	var p RemoveManyRequest
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.kv.RemoveMany(r.Context(), p.Keys...); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) sendJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errorResp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	w.WriteHeader(http.StatusOK) // JSON-RPC errors are sent with HTTP 200
	json.NewEncoder(w).Encode(errorResp)
}
