// handlers/api/progress.go
package api

import (
	"bufio"
	"encoding/json"
	"sync"
	"time"

	"applymatic/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// ProgressEvent is one real-time update about a running dispatch
type ProgressEvent struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"` // "send_ok", "send_failed", "dispatch_done"
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
	Time    time.Time              `json:"time"`
}

// ProgressHandler streams per-send dispatch progress to subscribers over SSE
// or WebSocket while a campaign is running
type ProgressHandler struct {
	store       *session.Store
	subscribers map[string]chan ProgressEvent
	mu          sync.RWMutex
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(store *session.Store) *ProgressHandler {
	return &ProgressHandler{
		store:       store,
		subscribers: make(map[string]chan ProgressEvent),
	}
}

// HandleSSE handles Server-Sent Events for dispatch progress
func (h *ProgressHandler) HandleSSE(c *fiber.Ctx) error {
	// Set headers for SSE
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	if _, err := GetSessionToken(c, h.store); err != nil {
		return utils.UnauthorizedError("Invalid session", err)
	}

	// Create channel for this subscriber
	subscriberID := uuid.New().String()
	messageChan := make(chan ProgressEvent, 10)

	h.mu.Lock()
	h.subscribers[subscriberID] = messageChan
	h.mu.Unlock()

	// Cleanup on disconnect
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, subscriberID)
		close(messageChan)
		h.mu.Unlock()

		utils.Log.Info("SSE subscriber disconnected: %s", subscriberID)
	}()

	utils.Log.Info("SSE subscriber connected: %s", subscriberID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		// Keep-alive ticker
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case event := <-messageChan:
				data, _ := json.Marshal(event)
				w.WriteString("data: " + string(data) + "\n\n")
				w.Flush()

			case <-ticker.C:
				// Send keep-alive comment
				w.WriteString(": keepalive\n\n")
				w.Flush()

			case <-c.Context().Done():
				return
			}
		}
	}))

	return nil
}

// HandleWebSocket handles WebSocket connections for dispatch progress
func (h *ProgressHandler) HandleWebSocket(c *websocket.Conn) {
	subscriberID := uuid.New().String()
	messageChan := make(chan ProgressEvent, 10)

	h.mu.Lock()
	h.subscribers[subscriberID] = messageChan
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, subscriberID)
		close(messageChan)
		h.mu.Unlock()

		c.Close()
		utils.Log.Info("WebSocket subscriber disconnected: %s", subscriberID)
	}()

	utils.Log.Info("WebSocket subscriber connected: %s", subscriberID)

	for event := range messageChan {
		if err := c.WriteJSON(event); err != nil {
			utils.Log.Error("Failed to send WebSocket event: %v", err)
			break
		}
	}
}

// Broadcast sends a progress event to all subscribers
func (h *ProgressHandler) Broadcast(event ProgressEvent) {
	event.ID = uuid.New().String()
	event.Time = time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for subscriberID, ch := range h.subscribers {
		select {
		case ch <- event:
			// Sent successfully
		default:
			// Channel full, skip this subscriber
			utils.Log.Warn("Progress channel full for subscriber %s", subscriberID)
		}
	}
}

// NotifySend reports the outcome of one send attempt
func (h *ProgressHandler) NotifySend(email string, sent bool, position, total int) {
	eventType := "send_ok"
	message := "Email sent"
	if !sent {
		eventType = "send_failed"
		message = "Email send failed"
	}

	h.Broadcast(ProgressEvent{
		Type:    eventType,
		Message: message,
		Data: map[string]interface{}{
			"email":    email,
			"position": position,
			"total":    total,
		},
	})
}

// NotifyDone reports a finished dispatch
func (h *ProgressHandler) NotifyDone(leadsCount, sentCount int) {
	h.Broadcast(ProgressEvent{
		Type:    "dispatch_done",
		Message: "Campaign dispatch finished",
		Data: map[string]interface{}{
			"leads_count": leadsCount,
			"sent_count":  sentCount,
		},
	})
}
