package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/keyv/internal/events"
)

type SSEHandler struct {
	bus       *events.Bus
	logger    *zap.SugaredLogger
	heartbeat time.Duration
}

func NewSSEHandler(bus *events.Bus, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		bus:       bus,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

// HandleSSE streams key changes as server-sent events named after the
// operation (set, remove, clear). Repeated ?prefix= parameters filter keys.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	prefixes := r.URL.Query()["prefix"]
	sub := h.bus.Subscribe(eventBuffer, prefixes...)
	defer sub.Close()

	h.logger.Debugw("SSE connection established", "prefixes", prefixes)
	h.sendEvent(w, flusher, "connected", "0", map[string]interface{}{
		"prefixes": prefixes,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, flusher, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.sendEvent(w, flusher, string(ev.Op), strconv.FormatUint(ev.Seq, 10), ev)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType, id string, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorw("Failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "data: %s\n\n", dataBytes)

	flusher.Flush()
}
