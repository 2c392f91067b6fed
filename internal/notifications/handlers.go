package notifications

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/auth"
	"github.com/darkden-lab/notifyd/internal/broker"
	"github.com/darkden-lab/notifyd/internal/httputil"
)

// Inbox is the read side of the notification store used by the API.
type Inbox interface {
	List(ctx context.Context, params ListParams) ([]Notification, int, error)
	FindByID(ctx context.Context, userID, id string) (*Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	SoftDelete(ctx context.Context, userID, id string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// EventPublisher submits envelopes to the broker.
type EventPublisher interface {
	PublishToExchange(ctx context.Context, exchange, key string, payload any) (bool, error)
}

// PublishTarget says where POST /api/events sends envelopes. With no
// exchange, envelopes go straight to Queue.
type PublishTarget struct {
	Exchange string
	Queue    string
}

// RoutingKey returns the routing key used for an envelope of category c.
func RoutingKey(c Category) string {
	return "notification." + string(c)
}

// Handlers provides HTTP handlers for the notifications API.
type Handlers struct {
	inbox     Inbox
	prefs     PreferenceStore
	publisher EventPublisher
	target    PublishTarget
	logger    *zap.Logger
}

func NewHandlers(inbox Inbox, prefs PreferenceStore, publisher EventPublisher, target PublishTarget, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		inbox:     inbox,
		prefs:     prefs,
		publisher: publisher,
		target:    target,
		logger:    logger.Named("api"),
	}
}

// RegisterRoutes wires the per-user notification endpoints.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/notifications", h.ListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/unread-count", h.UnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/read-all", h.MarkAllRead).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications/preferences", h.GetPreferences).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/preferences", h.UpdatePreferences).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications/{id}", h.GetNotification).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/{id}/read", h.MarkRead).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications/{id}", h.DeleteNotification).Methods(http.MethodDelete)
}

// RegisterPublishRoutes wires POST /api/events. Callers should guard r with
// a publisher role check.
func (h *Handlers) RegisterPublishRoutes(r *mux.Router) {
	r.HandleFunc("/api/events", h.PublishEvent).Methods(http.MethodPost)
}

// getUserID extracts the user ID from the JWT claims in the request context.
func getUserID(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.UserID
}

// ListNotifications handles GET /api/notifications
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	var read *bool
	if v := q.Get("read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "read must be true or false")
			return
		}
		read = &b
	}

	params := ListParams{
		UserID:  userID,
		Type:    q.Get("type"),
		Read:    read,
		Limit:   limit,
		Offset:  offset,
		SortBy:  q.Get("sort"),
		SortDir: q.Get("order"),
	}
	params.normalize()

	notifications, total, err := h.inbox.List(r.Context(), params)
	if err != nil {
		h.internalError(w, "list notifications", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"total":         total,
		"limit":         params.Limit,
		"offset":        params.Offset,
	})
}

// GetNotification handles GET /api/notifications/{id}
func (h *Handlers) GetNotification(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	n, err := h.inbox.FindByID(r.Context(), userID, mux.Vars(r)["id"])
	if errors.Is(err, ErrNotificationNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.internalError(w, "get notification", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	count, err := h.inbox.UnreadCount(r.Context(), userID)
	if err != nil {
		h.internalError(w, "unread count", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"unread_count": count,
	})
}

// MarkRead handles PUT /api/notifications/{id}/read
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	err := h.inbox.MarkRead(r.Context(), userID, mux.Vars(r)["id"])
	if errors.Is(err, ErrNotificationNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.internalError(w, "mark read", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MarkAllRead handles PUT /api/notifications/read-all
func (h *Handlers) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	updated, err := h.inbox.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.internalError(w, "mark all read", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "updated": updated})
}

// DeleteNotification handles DELETE /api/notifications/{id}
func (h *Handlers) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	err := h.inbox.SoftDelete(r.Context(), userID, mux.Vars(r)["id"])
	if errors.Is(err, ErrNotificationNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.internalError(w, "delete notification", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /api/notifications/preferences
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	prefs, err := h.prefs.FindPreferences(r.Context(), userID)
	if errors.Is(err, ErrPreferencesNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "preferences not configured")
		return
	}
	if err != nil {
		h.internalError(w, "get preferences", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /api/notifications/preferences
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		EmailEnabled bool   `json:"email_notification"`
		InAppEnabled bool   `json:"in_app_notification"`
		PushEnabled  bool   `json:"push_notification"`
		Timezone     string `json:"timezone"`
		Email        string `json:"email"`
		Phone        string `json:"phone"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prefs := &Preferences{
		UserID:       userID,
		EmailEnabled: req.EmailEnabled,
		InAppEnabled: req.InAppEnabled,
		PushEnabled:  req.PushEnabled,
		Timezone:     req.Timezone,
		Email:        req.Email,
		Phone:        req.Phone,
	}
	if err := h.prefs.UpsertPreferences(r.Context(), prefs); err != nil {
		h.internalError(w, "update preferences", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, prefs)
}

// PublishEvent handles POST /api/events. The envelope is queued, not
// delivered synchronously.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := httputil.DecodeJSON(w, r, &env); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if !validCategory(env.Category) {
		httputil.WriteError(w, http.StatusBadRequest, "unknown category")
		return
	}

	exchange, key := h.target.Exchange, RoutingKey(env.Category)
	if exchange == "" {
		key = h.target.Queue
	}

	ok, err := h.publisher.PublishToExchange(r.Context(), exchange, key, env)
	if errors.Is(err, broker.ErrNotConnected) || errors.Is(err, broker.ErrShuttingDown) {
		httputil.WriteError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	if err != nil {
		h.internalError(w, "publish event", err)
		return
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"accepted": false})
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (h *Handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("api: "+op+" failed", zap.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "internal error")
}

func validCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
