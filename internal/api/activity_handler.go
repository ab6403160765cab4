package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careerlink/backend/internal/domain"
	"github.com/careerlink/backend/internal/middleware"
	"github.com/careerlink/backend/pkg/response"
)

type ActivityHandler struct {
	activity  *domain.ActivityService
	wsManager *WebSocketManager
	logger    *zap.Logger
}

func NewActivityHandler(activity *domain.ActivityService, wsManager *WebSocketManager, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		activity:  activity,
		wsManager: wsManager,
		logger:    logger,
	}
}

// List handles GET /activity
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	offset := (page - 1) * limit

	activities, err := h.activity.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list activity", zap.Error(err))
		response.InternalError(w, "failed to list activity")
		return
	}

	response.OK(w, activities)
}

// HandleWebSocket upgrades GET /ws to a live activity event stream.
func (h *ActivityHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.New(),
		Conn:   conn,
		Send:   make(chan []byte, 64),
		UserID: userID,
	}

	h.wsManager.register <- client

	go client.WritePump()
	go client.ReadPump(h.wsManager)
}
