package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/push"
)

// PushStore persists push subscriptions.
type PushStore interface {
	Create(ctx context.Context, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error)
	List(ctx context.Context) ([]model.PushSubscription, error)
	Delete(ctx context.Context, id int64) error
}

// Broadcaster sends a notification to every subscription.
type Broadcaster interface {
	Broadcast(ctx context.Context, p push.Payload) int
}

type PushHandler struct {
	store     PushStore
	notifier  Broadcaster
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(ps PushStore, notifier Broadcaster, publicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{store: ps, notifier: notifier, publicKey: publicKey, logger: logger}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	sub, err := h.store.Create(r.Context(), req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}

// TestNotification handles POST /api/push/test
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	sent := h.notifier.Broadcast(r.Context(), push.Payload{
		Title: "Test Notification",
		Body:  "Backup notifications are working!",
		URL:   "/api/backup/status",
		Tag:   "test",
	})
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}
