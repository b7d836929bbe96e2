package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/internal/ws"
	"github.com/leafsii/keyv/pkg/keyv"
	"github.com/leafsii/keyv/pkg/kv"
)

// MaxValueBytes bounds request bodies.
const MaxValueBytes = 8 << 20

const readyTimeout = 2 * time.Second

type Handler struct {
	kv      *keyv.Keyv
	backend string
	logger  *zap.SugaredLogger

	hub *ws.Hub
	sse *ws.SSEHandler
}

func NewHandler(k *keyv.Keyv, backend string, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		kv:      k,
		backend: backend,
		logger:  logger,
	}
}

// WithStreams enables the /v1/ws and /v1/events change streams.
func (h *Handler) WithStreams(hub *ws.Hub, sse *ws.SSEHandler) *Handler {
	h.hub = hub
	h.sse = sse
	return h
}

// keyParam returns the decoded {key}. chi matches against RawPath when the
// request carries one (an escaped '/'), and against the decoded Path otherwise.
func keyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed key")
		return
	}

	value, found, err := h.kv.Get(r.Context(), key)
	if err != nil {
		h.writeStoreError(w, err, false)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, CodeNotFound, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (h *Handler) PutValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	value := json.RawMessage(body)
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidTTL, "ttl must be a non-negative number of seconds")
			return
		}
		err = h.kv.SetWithTTL(r.Context(), key, value, ttl)
	} else {
		err = h.kv.Set(r.Context(), key, value)
	}
	if err != nil {
		h.writeStoreError(w, err, true)
		return
	}

	w.Header().Set("X-Keyv-TTL-Policy", h.kv.TTLPolicy().String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed key")
		return
	}

	if err := h.kv.Remove(r.Context(), key); err != nil {
		h.writeStoreError(w, err, true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveMany(w http.ResponseWriter, r *http.Request) {
	var req RemoveManyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxValueBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "body must be {\"keys\": [...]}")
		return
	}

	if err := h.kv.RemoveMany(r.Context(), req.Keys...); err != nil {
		h.writeStoreError(w, err, true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.kv.Clear(r.Context()); err != nil {
		h.writeStoreError(w, err, true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	dto := ReadyDTO{
		Status:    "ready",
		Backend:   h.backend,
		TTLPolicy: h.kv.TTLPolicy().String(),
	}
	if fs := failoverOf(h.kv.Store()); fs != nil {
		dto.ActiveBackend = fs.ActiveBackend()
	}

	if p, ok := h.kv.Store().(kv.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "backend", h.backend, "error", err)
			dto.Status = "unavailable"
			dto.Error = err.Error()
			h.writeJSON(w, http.StatusServiceUnavailable, dto)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, dto)
}

// failoverOf finds a FailoverStore under any number of decorators.
func failoverOf(s kv.Store) *kv.FailoverStore {
	for s != nil {
		if fs, ok := s.(*kv.FailoverStore); ok {
			return fs
		}
		u, ok := s.(interface{ Unwrap() kv.Store })
		if !ok {
			return nil
		}
		s = u.Unwrap()
	}
	return nil
}

// statusFor maps an error kind to an HTTP status. Serialization failures are
// the client's fault on writes and the stored data's fault on reads.
func statusFor(err error, write bool) (int, string) {
	if errors.Is(err, kv.ErrEmptyKey) {
		return http.StatusBadRequest, CodeInvalidRequest
	}
	if errors.Is(err, keyv.ErrClosed) {
		return http.StatusServiceUnavailable, CodeUnavailable
	}

	switch kv.KindOf(err) {
	case kv.KindSerialization:
		if write {
			return http.StatusBadRequest, CodeSerializationError
		}
		return http.StatusInternalServerError, CodeSerializationError
	case kv.KindQuery:
		return http.StatusBadGateway, CodeQueryError
	case kv.KindConnection:
		return http.StatusServiceUnavailable, CodeConnectionError
	case kv.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, write bool) {
	status, code := statusFor(err, write)
	h.writeError(w, status, code, err.Error())
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else if status != http.StatusNotFound {
		h.logger.Debugw("API error", "code", code, "message", message, "status", status)
	}

	h.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
