package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careerlink/backend/internal/domain"
	"github.com/careerlink/backend/internal/middleware"
	"github.com/careerlink/backend/pkg/response"
	"github.com/careerlink/backend/pkg/validator"
)

type NetworkHandler struct {
	service    *domain.NetworkService
	view       *domain.NetworkView
	reconciler *domain.Reconciler
	logger     *zap.Logger
}

func NewNetworkHandler(service *domain.NetworkService, view *domain.NetworkView, reconciler *domain.Reconciler, logger *zap.Logger) *NetworkHandler {
	return &NetworkHandler{
		service:    service,
		view:       view,
		reconciler: reconciler,
		logger:     logger,
	}
}

type edgeStateResponse struct {
	EdgeState domain.EdgeState `json:"edge_state"`
}

// SendRequest handles POST /network/request
func (h *NetworkHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	self, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	target, ok := h.decodeTarget(w, r, "target_user_id")
	if !ok {
		return
	}

	state, err := h.service.SendRequest(r.Context(), self, target)
	if err != nil {
		h.writeDomainError(w, "send connection request", err)
		return
	}

	response.Created(w, edgeStateResponse{EdgeState: state})
}

// Accept handles POST /network/accept
func (h *NetworkHandler) Accept(w http.ResponseWriter, r *http.Request) {
	self, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	requester, ok := h.decodeTarget(w, r, "requester_id")
	if !ok {
		return
	}

	state, err := h.service.AcceptRequest(r.Context(), self, requester)
	if err != nil {
		h.writeDomainError(w, "accept connection request", err)
		return
	}

	response.OK(w, edgeStateResponse{EdgeState: state})
}

// Reject handles POST /network/reject
func (h *NetworkHandler) Reject(w http.ResponseWriter, r *http.Request) {
	self, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	requester, ok := h.decodeTarget(w, r, "requester_id")
	if !ok {
		return
	}

	state, err := h.service.RejectRequest(r.Context(), self, requester)
	if err != nil {
		h.writeDomainError(w, "reject connection request", err)
		return
	}

	response.OK(w, edgeStateResponse{EdgeState: state})
}

// List handles GET /network
func (h *NetworkHandler) List(w http.ResponseWriter, r *http.Request) {
	self, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	roleFilter := validator.SanitizeRoleFilter(r.URL.Query().Get("role"))

	lists, err := h.view.List(r.Context(), self, roleFilter)
	if err != nil {
		h.writeDomainError(w, "list network", err)
		return
	}

	response.OK(w, lists)
}

// Reconcile handles POST /network/reconcile: a synchronous scan of the
// caller's own edges.
func (h *NetworkHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	self, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	repaired, err := h.reconciler.ScanUser(r.Context(), self)
	if err != nil {
		h.writeDomainError(w, "reconcile network", err)
		return
	}

	response.OK(w, map[string]int{"repaired": repaired})
}

func (h *NetworkHandler) decodeTarget(w http.ResponseWriter, r *http.Request, field string) (uuid.UUID, bool) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.BadRequest(w, "invalid request")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(body[field])
	if err != nil {
		response.BadRequest(w, "invalid "+field)
		return uuid.Nil, false
	}
	return id, true
}

// writeDomainError maps the typed domain results onto HTTP. The distinct
// conflict codes let the UI react (e.g. offer "accept" on
// REVERSE_REQUEST_EXISTS); PARTIALLY_APPLIED is never reported as success.
func (h *NetworkHandler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrSelfTarget):
		response.BadRequest(w, "cannot target yourself")
	case errors.Is(err, domain.ErrUserNotFound):
		response.NotFound(w, "user not found")
	case errors.Is(err, domain.ErrAlreadyConnected):
		response.Conflict(w, "ALREADY_CONNECTED", "users are already connected")
	case errors.Is(err, domain.ErrRequestAlreadySent):
		response.Conflict(w, "REQUEST_ALREADY_SENT", "connection request already sent")
	case errors.Is(err, domain.ErrReverseRequestExists):
		response.Conflict(w, "REVERSE_REQUEST_EXISTS", "this user already sent you a request; accept it instead")
	case errors.Is(err, domain.ErrNoSuchRequest):
		response.Conflict(w, "NO_SUCH_REQUEST", "no pending request from this user")
	case errors.Is(err, domain.ErrBusy):
		response.TooManyRequests(w, "this pair is busy, retry shortly")
	case errors.Is(err, domain.ErrPartiallyApplied):
		h.logger.Warn("operation partially applied", zap.String("op", op), zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "PARTIALLY_APPLIED",
			"the update reached only one side; it will be reconciled, re-read to confirm")
	case errors.Is(err, domain.ErrUnavailable):
		h.logger.Error("store unavailable", zap.String("op", op), zap.Error(err))
		response.ServiceUnavailable(w, "user store unavailable, retry later")
	default:
		h.logger.Error("unexpected failure", zap.String("op", op), zap.Error(err))
		response.InternalError(w, "failed to "+op)
	}
}
