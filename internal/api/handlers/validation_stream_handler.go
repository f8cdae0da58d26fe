package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

const defaultHeartbeat = 30 * time.Second

// ValidationStreamHandler streams validation events over Server-Sent Events
type ValidationStreamHandler struct {
	eventBus  providers.EventBus
	heartbeat time.Duration
}

// NewValidationStreamHandler creates a new SSE handler
func NewValidationStreamHandler(eventBus providers.EventBus) *ValidationStreamHandler {
	return &ValidationStreamHandler{eventBus: eventBus, heartbeat: defaultHeartbeat}
}

// StreamOrder handles GET /api/orders/{orderID}/validations/stream
func (h *ValidationStreamHandler) StreamOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("orderID"))
	if orderID == "" {
		respondWithError(w, http.StatusBadRequest, "order ID is required")
		return
	}
	h.stream(w, r, providers.GetOrderChannel(orderID), map[string]interface{}{"order_id": orderID})
}

// StreamAll handles GET /api/validations/stream
func (h *ValidationStreamHandler) StreamAll(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, providers.EventChannelValidationUpdates, map[string]interface{}{})
}

func (h *ValidationStreamHandler) stream(w http.ResponseWriter, r *http.Request, channel string, hello map[string]interface{}) {
	logger := observability.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.eventBus.Subscribe(r.Context(), channel)
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe to validation events")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hello["timestamp"] = time.Now().UTC()
	writeEvent(w, "connected", hello)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Str("channel", channel).Msg("Client disconnected from validation stream")
			return
		case <-ticker.C:
			writeEvent(w, "heartbeat", map[string]interface{}{"timestamp": time.Now().UTC()})
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, string(event.EventType), event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
}
