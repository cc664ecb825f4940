package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/ocpp"
	"github.com/voltgrid/csms/internal/service"
)

// Handler handles API requests
type Handler struct {
	registry *ocpp.Registry
	store    db.Store
	tracker  *service.Tracker
	payments *service.PaymentSync
	validate *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(registry *ocpp.Registry, store db.Store, tracker *service.Tracker, payments *service.PaymentSync) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		tracker:  tracker,
		payments: payments,
		validate: validator.New(),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// GetChargePoints returns connection stats for all connected charge points
func (h *Handler) GetChargePoints(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Data:    h.registry.Stats(),
	})
}

// GetChargePoint returns a specific charge point
func (h *Handler) GetChargePoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		sendErrorResponse(w, "Charge point name is required", http.StatusBadRequest)
		return
	}

	chargePoint, found, err := h.store.GetChargePointByName(r.Context(), name)
	if err != nil {
		logrus.WithError(err).WithField("name", name).Error("Failed to get charge point")
		sendErrorResponse(w, "Failed to get charge point", http.StatusInternalServerError)
		return
	}
	if !found {
		sendErrorResponse(w, "Charge point not found", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    chargePoint,
	})
}

// GetConnectors returns all connectors for a charge point
func (h *Handler) GetConnectors(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		sendErrorResponse(w, "Charge point name is required", http.StatusBadRequest)
		return
	}

	chargePoint, found, err := h.store.GetChargePointByName(r.Context(), name)
	if err != nil {
		logrus.WithError(err).WithField("name", name).Error("Failed to get charge point")
		sendErrorResponse(w, "Failed to get charge point", http.StatusInternalServerError)
		return
	}
	if !found {
		sendErrorResponse(w, "Charge point not found", http.StatusNotFound)
		return
	}

	connectors, err := h.store.ListConnectors(r.Context(), chargePoint.ID)
	if err != nil {
		logrus.WithError(err).WithField("name", name).Error("Failed to get connectors")
		sendErrorResponse(w, "Failed to get connectors", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    connectors,
	})
}

// ForceDisconnect closes a charge point's live connection
func (h *Handler) ForceDisconnect(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	session.Close()
	logrus.WithField("chargePointID", session.ID).Info("Connection closed by operator")

	sendResponse(w, Response{
		Success: true,
		Message: "Connection closed",
	})
}

// Reset resets a charge point
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Type string `json:"type" validate:"required,oneof=Hard Soft"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.Reset(r.Context(), core.ResetType(req.Type))
	if err != nil {
		logrus.WithError(err).WithField("chargePointID", session.ID).Error("Failed to reset charge point")
		sendErrorResponse(w, "Failed to reset charge point", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Reset command sent",
		Data:    conf,
	})
}

// ChangeAvailability changes the availability of a connector
func (h *Handler) ChangeAvailability(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectorID int    `json:"connectorId" validate:"gte=0"`
		Type        string `json:"type" validate:"required,oneof=Operative Inoperative"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.ChangeAvailability(r.Context(), req.ConnectorID, core.AvailabilityType(req.Type))
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"connectorID":   req.ConnectorID,
		}).Error("Failed to change availability")
		sendErrorResponse(w, "Failed to change availability", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Change availability command sent",
		Data:    conf,
	})
}

// UnlockConnector unlocks a connector
func (h *Handler) UnlockConnector(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectorID int `json:"connectorId" validate:"gt=0"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.UnlockConnector(r.Context(), req.ConnectorID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"connectorID":   req.ConnectorID,
		}).Error("Failed to unlock connector")
		sendErrorResponse(w, "Failed to unlock connector", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Unlock connector command sent",
		Data:    conf,
	})
}

// RemoteStartTransaction starts a transaction remotely
func (h *Handler) RemoteStartTransaction(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectorID *int   `json:"connectorId,omitempty"`
		IdTag       string `json:"idTag" validate:"required"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.RemoteStartTransaction(r.Context(), req.IdTag, req.ConnectorID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"idTag":         req.IdTag,
		}).Error("Failed to start transaction")
		sendErrorResponse(w, "Failed to start transaction", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Remote start transaction command sent",
		Data:    conf,
	})
}

// RemoteStopTransaction stops a transaction remotely
func (h *Handler) RemoteStopTransaction(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		TransactionID int `json:"transactionId" validate:"gt=0"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.RemoteStopTransaction(r.Context(), req.TransactionID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"transactionID": req.TransactionID,
		}).Error("Failed to stop transaction")
		sendErrorResponse(w, "Failed to stop transaction", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Remote stop transaction command sent",
		Data:    conf,
	})
}

// TriggerHeartbeat asks the charge point to send a heartbeat now
func (h *Handler) TriggerHeartbeat(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	conf, err := session.TriggerMessage(r.Context(), remotetrigger.MessageTrigger(core.HeartbeatFeatureName), nil)
	if err != nil {
		logrus.WithError(err).WithField("chargePointID", session.ID).Error("Failed to trigger heartbeat")
		sendErrorResponse(w, "Failed to trigger heartbeat", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Trigger heartbeat command sent",
		Data:    conf,
	})
}

// GetConfiguration reads the charge point's configuration
func (h *Handler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Keys []string `json:"keys,omitempty"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.GetConfiguration(r.Context(), req.Keys)
	if err != nil {
		logrus.WithError(err).WithField("chargePointID", session.ID).Error("Failed to get configuration")
		sendErrorResponse(w, "Failed to get configuration", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    conf,
	})
}

// ChangeConfiguration changes a configuration key on the charge point
func (h *Handler) ChangeConfiguration(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Key   string `json:"key" validate:"required"`
		Value string `json:"value"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.ChangeConfiguration(r.Context(), req.Key, req.Value)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"key":           req.Key,
		}).Error("Failed to change configuration")
		sendErrorResponse(w, "Failed to change configuration", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Change configuration command sent",
		Data:    conf,
	})
}

// SetChargingProfile pushes a charging profile to a connector
func (h *Handler) SetChargingProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectorID int                    `json:"connectorId" validate:"gte=0"`
		Profile     *types.ChargingProfile `json:"csChargingProfiles" validate:"required"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.SetChargingProfile(r.Context(), req.ConnectorID, req.Profile)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"connectorID":   req.ConnectorID,
		}).Error("Failed to set charging profile")
		sendErrorResponse(w, "Failed to set charging profile", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Set charging profile command sent",
		Data:    conf,
	})
}

// ReserveNow reserves a connector for an id tag
func (h *Handler) ReserveNow(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectorID   int    `json:"connectorId" validate:"gte=0"`
		IdTag         string `json:"idTag" validate:"required"`
		ReservationID int    `json:"reservationId" validate:"gt=0"`
		ExpiryDate    string `json:"expiryDate" validate:"required"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	expiry, err := time.Parse(time.RFC3339, req.ExpiryDate)
	if err != nil {
		sendErrorResponse(w, "Invalid expiryDate format, use RFC3339", http.StatusBadRequest)
		return
	}

	conf, err := session.ReserveNow(r.Context(), req.ConnectorID, types.NewDateTime(expiry), req.IdTag, req.ReservationID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"reservationID": req.ReservationID,
		}).Error("Failed to reserve connector")
		sendErrorResponse(w, "Failed to reserve connector", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Reserve now command sent",
		Data:    conf,
	})
}

// CancelReservation cancels a reservation
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ReservationID int `json:"reservationId" validate:"gt=0"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	conf, err := session.CancelReservation(r.Context(), req.ReservationID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": session.ID,
			"reservationID": req.ReservationID,
		}).Error("Failed to cancel reservation")
		sendErrorResponse(w, "Failed to cancel reservation", http.StatusBadGateway)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Cancel reservation command sent",
		Data:    conf,
	})
}

// GetSession returns a charge session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, found, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to get session")
		sendErrorResponse(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if !found {
		sendErrorResponse(w, "Session not found", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    session,
	})
}

// GetSessionBilling returns the billing view of a session
func (h *Handler) GetSessionBilling(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	billing, err := h.payments.StatusFor(r.Context(), id)
	if err != nil {
		if err == service.ErrSessionNotFound {
			sendErrorResponse(w, "Session not found", http.StatusNotFound)
			return
		}
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to get billing status")
		sendErrorResponse(w, "Failed to get billing status", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    billing,
	})
}

// GetSessionEnergy returns the energy consumed by a session
func (h *Handler) GetSessionEnergy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	energy, err := h.tracker.EnergyFor(r.Context(), id)
	if err != nil {
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to compute session energy")
		sendErrorResponse(w, "Failed to compute session energy", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    map[string]float64{"energyKWh": energy},
	})
}

// GetSessionTimeline returns a session's telemetry samples
func (h *Handler) GetSessionTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	timeline, err := h.tracker.Timeline(r.Context(), id)
	if err != nil {
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to get session timeline")
		sendErrorResponse(w, "Failed to get session timeline", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    timeline,
	})
}

// GetSessionMaxPower returns the peak power drawn in a session
func (h *Handler) GetSessionMaxPower(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	power, err := h.tracker.MaxPower(r.Context(), id)
	if err != nil {
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to compute max power")
		sendErrorResponse(w, "Failed to compute max power", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    map[string]float64{"maxPowerKW": power},
	})
}

// PaymentWebhook applies a payment provider status update
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID *int    `json:"transactionId,omitempty"`
		IntentID      *string `json:"intentId,omitempty"`
		Status        string  `json:"status" validate:"required"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	if req.TransactionID == nil && req.IntentID == nil {
		sendErrorResponse(w, "transactionId or intentId is required", http.StatusBadRequest)
		return
	}

	ref := service.TransactionRef{
		TransactionID:    req.TransactionID,
		ExternalIntentID: req.IntentID,
	}
	if err := h.payments.HandleStatusChange(r.Context(), ref, req.Status); err != nil {
		logrus.WithError(err).Error("Failed to apply payment status change")
		sendErrorResponse(w, "Failed to apply payment status change", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Payment status applied",
	})
}

// session resolves the live session for the charge point in the URL,
// answering 404 when it is not connected.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*ocpp.Session, bool) {
	name := chi.URLParam(r, "name")
	if name == "" {
		sendErrorResponse(w, "Charge point name is required", http.StatusBadRequest)
		return nil, false
	}

	session, ok := h.registry.Get(name)
	if !ok {
		sendErrorResponse(w, "Charge point not connected", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		sendErrorResponse(w, "Invalid session ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeBody parses and validates a JSON request body.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		sendErrorResponse(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// Helper functions to send responses
func sendResponse(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode error response")
	}
}
