package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/notification"
	"ms-booking/internal/payment"
	"ms-booking/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Reservations interface {
	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	Authorize(ctx context.Context, id string, role models.PartyRole) (*models.Reservation, models.PaymentOperationResult, error)
	Commit(ctx context.Context, id string) (*models.Reservation, models.CommitResult, error)
}

type Notifications interface {
	DispatchIntentToRecipient(ctx context.Context, req notification.RecipientRequest) (notification.DispatchResult, error)
	DispatchIntentToUser(ctx context.Context, req notification.UserRequest) (notification.UserDispatchResult, error)
}

// NotificationStore serves the read and preference endpoints.
type NotificationStore interface {
	ListRedrivable(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationDelivery, error)
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error)
	SavePreferences(ctx context.Context, pref *models.NotificationPreference) error
}

type Handler struct {
	Reservations  Reservations
	Notifications Notifications
	Store         NotificationStore
	Logger        *logger.Logger
}

type createReservationRequest struct {
	ID          string `json:"id"`
	PartnerID   string `json:"partner_id"`
	VendorID    string `json:"vendor_id"`
	RequesterID string `json:"requester_id"`
	BookingID   string `json:"booking_id"`
}

type authorizeResponse struct {
	Reservation *models.Reservation           `json:"reservation"`
	Result      models.PaymentOperationResult `json:"result"`
}

type commitResponse struct {
	Reservation *models.Reservation `json:"reservation"`
	Result      models.CommitResult `json:"result"`
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	if req.PartnerID == "" || req.VendorID == "" || req.RequesterID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "partner_id, vendor_id and requester_id are required"))
		return
	}

	res := &models.Reservation{
		ID:          req.ID,
		PartnerID:   req.PartnerID,
		VendorID:    req.VendorID,
		RequesterID: req.RequesterID,
		BookingID:   req.BookingID,
	}
	if err := h.Reservations.CreateReservation(r.Context(), res); err != nil {
		h.writeError(w, "Could not create reservation", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Reservation created", res))
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "Could not load reservation", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reservation found", res))
}

// Authorize answers 200 with the operation result even when the processor
// declined; the result carries success and retryable flags.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	role := models.PartyRole(chi.URLParam(r, "role"))

	res, result, err := h.Reservations.Authorize(r.Context(), id, role)
	if err != nil {
		h.writeError(w, "Could not authorize", err)
		return
	}
	message := "Authorization placed"
	if !result.Success {
		message = "Authorization failed"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, authorizeResponse{Reservation: res, Result: result}))
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	res, result, err := h.Reservations.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "Could not commit", err)
		return
	}
	message := "Reservation committed"
	if !result.Success {
		message = "Commit failed"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, commitResponse{Reservation: res, Result: result}))
}

func (h *Handler) DispatchToRecipient(w http.ResponseWriter, r *http.Request) {
	var req notification.RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	if req.Recipient == "" || req.Template == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "recipient and template are required"))
		return
	}

	result, err := h.Notifications.DispatchIntentToRecipient(r.Context(), req)
	if err != nil {
		h.writeError(w, "Could not dispatch notification", err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	utils.WriteJSON(w, status, utils.SuccessResponse("Notification dispatched", result))
}

func (h *Handler) DispatchToUser(w http.ResponseWriter, r *http.Request) {
	var req notification.UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	if req.UserID == "" || req.Template == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "user_id and template are required"))
		return
	}

	result, err := h.Notifications.DispatchIntentToUser(r.Context(), req)
	if err != nil && len(result.Deliveries) == 0 {
		h.writeError(w, "Could not dispatch notification", err)
		return
	}
	if err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Partial dispatch for user %s: %v", req.UserID, err))
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Notification dispatched", result))
}

// ListRedrivable accepts ?older_than=<duration>&limit=<n>.
func (h *Handler) ListRedrivable(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * time.Minute
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid older_than", err.Error()))
			return
		}
		olderThan = d
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	deliveries, err := h.Store.ListRedrivable(r.Context(), time.Now().Add(-olderThan), limit)
	if err != nil {
		h.writeError(w, "Could not list deliveries", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d deliveries", len(deliveries)), deliveries))
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	pref, err := h.Store.GetPreferences(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, "Could not load preferences", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Preferences found", pref))
}

func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	var pref models.NotificationPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	pref.UserID = chi.URLParam(r, "userId")

	if err := h.Store.SavePreferences(r.Context(), &pref); err != nil {
		h.writeError(w, "Could not save preferences", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Preferences saved", pref))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Booking service is healthy", nil))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrCommitInProgress),
		errors.Is(err, payment.ErrVersionConflict),
		errors.Is(err, payment.ErrReservationSettled):
		return http.StatusConflict
	case errors.Is(err, payment.ErrInvalidRole),
		errors.Is(err, notification.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, notification.ErrNoChannels):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", message, err))
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, err.Error()))
}
