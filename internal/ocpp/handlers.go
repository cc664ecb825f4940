package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
	"github.com/voltgrid/csms/internal/notifier"
	"github.com/voltgrid/csms/internal/service"
)

// HandlerFunc processes one charge-point-initiated call and returns the
// confirmation payload, or a wire error for the CallError reply.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError)

// Router maps OCPP actions to handlers. Unknown actions are answered with
// NotImplemented so a non-conforming charge point never stalls waiting for
// a reply.
type Router struct {
	handlers map[string]HandlerFunc
}

// Dispatch runs the handler for a call. Handler panics are converted into
// InternalError replies so one bad message cannot take the session down.
func (r *Router) Dispatch(ctx context.Context, s *Session, call *Call) (response interface{}, werr *WireError) {
	handler, ok := r.handlers[call.Action]
	if !ok {
		return nil, &WireError{
			Code:        ErrNotImplemented,
			Description: fmt.Sprintf("action %s is not supported", call.Action),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"chargePointID": s.ID,
				"action":        call.Action,
				"panic":         rec,
			}).Error("Handler panicked")
			response = nil
			werr = &WireError{Code: ErrInternalError, Description: "internal error"}
		}
	}()

	return handler(ctx, s, call.Payload)
}

// Handlers implements the charge-point-initiated half of OCPP 1.6.
type Handlers struct {
	store             db.Store
	auth              *service.Authorizer
	tracker           *service.Tracker
	events            notifier.Notifier
	heartbeatInterval int
}

// NewHandlers wires the protocol handlers to their backing services.
func NewHandlers(store db.Store, auth *service.Authorizer, tracker *service.Tracker, events notifier.Notifier, heartbeatInterval int) *Handlers {
	return &Handlers{
		store:             store,
		auth:              auth,
		tracker:           tracker,
		events:            events,
		heartbeatInterval: heartbeatInterval,
	}
}

// NewRouter builds the dispatch table covering every action a 1.6 charge
// point may initiate.
func NewRouter(h *Handlers) *Router {
	return &Router{handlers: map[string]HandlerFunc{
		core.BootNotificationFeatureName:                  h.BootNotification,
		core.HeartbeatFeatureName:                         h.Heartbeat,
		core.StatusNotificationFeatureName:                h.StatusNotification,
		core.AuthorizeFeatureName:                         h.Authorize,
		core.StartTransactionFeatureName:                  h.StartTransaction,
		core.StopTransactionFeatureName:                   h.StopTransaction,
		core.MeterValuesFeatureName:                       h.MeterValues,
		core.DataTransferFeatureName:                      h.DataTransfer,
		firmware.DiagnosticsStatusNotificationFeatureName: h.DiagnosticsStatusNotification,
		firmware.FirmwareStatusNotificationFeatureName:    h.FirmwareStatusNotification,
	}}
}

// BootNotification records the charger-reported hardware identity and tells
// the charge point its heartbeat cadence. Registration is always accepted:
// identity was already verified at connect time.
func (h *Handlers) BootNotification(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.BootNotificationRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	info := models.BootInfo{
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    req.ChargePointSerialNumber,
		FirmwareVersion: req.FirmwareVersion,
		MeterSerial:     req.MeterSerialNumber,
		MeterType:       req.MeterType,
	}
	if err := h.store.UpdateChargePointBoot(ctx, s.ChargePoint.ID, info); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to store boot info")
	}

	h.recordEvent(ctx, s, nil, nil, "BootNotification", fmt.Sprintf("%s %s", req.ChargePointVendor, req.ChargePointModel))
	h.events.Publish("csms.chargepoint.boot", map[string]interface{}{
		"chargePointId": s.ID,
		"vendor":        req.ChargePointVendor,
		"model":         req.ChargePointModel,
	})

	logrus.WithFields(logrus.Fields{
		"chargePointID": s.ID,
		"vendor":        req.ChargePointVendor,
		"model":         req.ChargePointModel,
	}).Info("Boot notification received")

	return core.NewBootNotificationConfirmation(types.NewDateTime(time.Now()), h.heartbeatInterval, core.RegistrationStatusAccepted), nil
}

// Heartbeat refreshes liveness and returns the server time.
func (h *Handlers) Heartbeat(ctx context.Context, s *Session, _ json.RawMessage) (interface{}, *WireError) {
	if err := h.store.TouchHeartbeat(ctx, s.ChargePoint.ID, time.Now()); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to record heartbeat")
	}
	return core.NewHeartbeatConfirmation(types.NewDateTime(time.Now())), nil
}

// StatusNotification tracks per-connector state. Connector 0 refers to the
// charge point as a whole and is acknowledged without a connector row.
func (h *Handlers) StatusNotification(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.StatusNotificationRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	if req.ConnectorId > 0 {
		if err := h.store.UpsertConnectorStatus(ctx, s.ChargePoint.ID, req.ConnectorId, string(req.Status), string(req.ErrorCode)); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"chargePointID": s.ID,
				"connectorID":   req.ConnectorId,
			}).Error("Failed to store connector status")
		}
		h.events.Publish("csms.connector.status", map[string]interface{}{
			"chargePointId": s.ID,
			"connectorId":   req.ConnectorId,
			"status":        string(req.Status),
			"errorCode":     string(req.ErrorCode),
		})
	}

	logrus.WithFields(logrus.Fields{
		"chargePointID": s.ID,
		"connectorID":   req.ConnectorId,
		"status":        req.Status,
	}).Info("Status notification received")

	return core.NewStatusNotificationConfirmation(), nil
}

// Authorize decides whether an RFID id tag may charge here.
func (h *Handlers) Authorize(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.AuthorizeRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	status := h.auth.Authorize(ctx, req.IdTag, s.ChargePoint)
	h.recordEvent(ctx, s, nil, nil, "Authorize", fmt.Sprintf("idTag=%s status=%s", req.IdTag, status))

	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(status)), nil
}

// StartTransaction opens a charge session. Per OCPP 1.6 the response must
// carry a transaction id even when the id tag would not authorize, so the
// session is opened unconditionally and billing eligibility is resolved
// from the tag's driver record.
func (h *Handlers) StartTransaction(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.StartTransactionRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	startTime := time.Now()
	if req.Timestamp != nil {
		startTime = req.Timestamp.Time
	}

	driverID, tariffID := h.auth.ResolveDriver(ctx, req.IdTag)

	// A payment transaction is opened up front for billable drivers and
	// settled at close. Failure to open one never blocks charging.
	var paymentTxnID *int
	if driverID != nil && tariffID != nil {
		txn := &models.PaymentTransaction{
			CompanyID:     s.ChargePoint.CompanyID,
			SiteID:        s.ChargePoint.SiteID,
			ChargerID:     s.ChargePoint.ID,
			DriverID:      *driverID,
			Status:        "pending_completion",
			PaymentStatus: models.PaymentStatusPending,
		}
		id, err := h.store.InsertPaymentTransaction(ctx, txn)
		if err != nil {
			logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to open payment transaction")
		} else {
			paymentTxnID = &id
		}
	}

	sessionID, err := h.tracker.Open(ctx, service.OpenParams{
		ChargePoint:          s.ChargePoint,
		IdTag:                req.IdTag,
		ConnectorID:          req.ConnectorId,
		StartTime:            startTime,
		MeterStart:           float64(req.MeterStart),
		DriverID:             driverID,
		TariffID:             tariffID,
		PaymentTransactionID: paymentTxnID,
	})
	if err != nil {
		// The charge point must still get a confirmation so its state
		// machine can move on; transaction id 0 marks the session as
		// untracked.
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to open charge session")
		return core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}

	if paymentTxnID != nil {
		if err := h.store.UpdatePaymentTransaction(ctx, *paymentTxnID, models.PaymentTransactionUpdate{SessionID: &sessionID}); err != nil {
			logrus.WithError(err).WithField("sessionID", sessionID).Error("Failed to link payment transaction")
		}
	}

	if err := h.store.UpsertConnectorStatus(ctx, s.ChargePoint.ID, req.ConnectorId, string(core.ChargePointStatusCharging), "NoError"); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to mark connector charging")
	}

	h.recordEvent(ctx, s, &req.ConnectorId, &sessionID, "StartTransaction", fmt.Sprintf("idTag=%s meterStart=%d", req.IdTag, req.MeterStart))
	h.events.Publish("csms.session.started", map[string]interface{}{
		"chargePointId": s.ID,
		"connectorId":   req.ConnectorId,
		"sessionId":     sessionID,
		"idTag":         req.IdTag,
	})

	logrus.WithFields(logrus.Fields{
		"chargePointID": s.ID,
		"connectorID":   req.ConnectorId,
		"sessionID":     sessionID,
	}).Info("Charge session started")

	return core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted), sessionID), nil
}

// StopTransaction closes the referenced session. Unknown transaction ids
// are still acknowledged: the charge point's state machine must be allowed
// to move on.
func (h *Handlers) StopTransaction(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.StopTransactionRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	endTime := time.Now()
	if req.Timestamp != nil {
		endTime = req.Timestamp.Time
	}

	session, found, err := h.store.GetSession(ctx, req.TransactionId)
	if err != nil || !found {
		logrus.WithField("transactionID", req.TransactionId).Warn("Stop for unknown transaction")
		return core.NewStopTransactionConfirmation(), nil
	}

	// Samples batched into the stop message are recorded before close so
	// they count toward the session's telemetry.
	for _, mv := range req.TransactionData {
		h.recordMeterValue(ctx, s, session.ID, session.ConnectorID, mv)
	}

	result, err := h.tracker.Close(ctx, req.TransactionId, endTime, string(req.Reason), float64(req.MeterStop))
	if err != nil {
		logrus.WithError(err).WithField("transactionID", req.TransactionId).Error("Failed to close charge session")
		return core.NewStopTransactionConfirmation(), nil
	}

	if err := h.store.UpsertConnectorStatus(ctx, s.ChargePoint.ID, session.ConnectorID, string(core.ChargePointStatusAvailable), "NoError"); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to mark connector available")
	}

	h.recordEvent(ctx, s, &session.ConnectorID, &session.ID, "StopTransaction", fmt.Sprintf("reason=%s energyKWh=%.3f", req.Reason, result.EnergyKWh))
	h.events.Publish("csms.session.completed", map[string]interface{}{
		"chargePointId": s.ID,
		"sessionId":     session.ID,
		"energyKWh":     result.EnergyKWh,
		"cost":          result.Cost,
	})

	confirmation := core.NewStopTransactionConfirmation()
	if req.IdTag != "" {
		confirmation.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	}
	return confirmation, nil
}

// MeterValues records telemetry samples. Readings are attached to the
// referenced transaction, or to the connector's open session when the
// charge point omits the transaction id. Samples with no session to attach
// to are acknowledged and dropped.
func (h *Handlers) MeterValues(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.MeterValuesRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	sessionID := 0
	if req.TransactionId != nil {
		sessionID = *req.TransactionId
	} else {
		session, found, err := h.store.GetOpenSessionByConnector(ctx, s.ChargePoint.ID, req.ConnectorId)
		if err == nil && found {
			sessionID = session.ID
		}
	}
	if sessionID == 0 {
		logrus.WithFields(logrus.Fields{
			"chargePointID": s.ID,
			"connectorID":   req.ConnectorId,
		}).Debug("Meter values without an open session")
		return core.NewMeterValuesConfirmation(), nil
	}

	for _, mv := range req.MeterValue {
		h.recordMeterValue(ctx, s, sessionID, req.ConnectorId, mv)
	}

	return core.NewMeterValuesConfirmation(), nil
}

// DataTransfer is the vendor escape hatch; payloads are accepted and logged
// for later inspection.
func (h *Handlers) DataTransfer(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req core.DataTransferRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}

	h.recordEvent(ctx, s, nil, nil, "DataTransfer", fmt.Sprintf("vendorId=%s messageId=%s", req.VendorId, req.MessageId))
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.ID,
		"vendorID":      req.VendorId,
		"messageID":     req.MessageId,
	}).Info("Data transfer received")

	return core.NewDataTransferConfirmation(core.DataTransferStatusAccepted), nil
}

// DiagnosticsStatusNotification acknowledges diagnostics upload progress.
func (h *Handlers) DiagnosticsStatusNotification(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req firmware.DiagnosticsStatusNotificationRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}
	h.recordEvent(ctx, s, nil, nil, "DiagnosticsStatusNotification", string(req.Status))
	return firmware.NewDiagnosticsStatusNotificationConfirmation(), nil
}

// FirmwareStatusNotification acknowledges firmware update progress.
func (h *Handlers) FirmwareStatusNotification(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, *WireError) {
	var req firmware.FirmwareStatusNotificationRequest
	if werr := decode(payload, &req); werr != nil {
		return nil, werr
	}
	h.recordEvent(ctx, s, nil, nil, "FirmwareStatusNotification", string(req.Status))
	return firmware.NewFirmwareStatusNotificationConfirmation(), nil
}

// recordMeterValue folds one sampled-value group into a single stored
// sample. Known measurands land in typed columns, everything else is kept
// raw.
func (h *Handlers) recordMeterValue(ctx context.Context, s *Session, sessionID, connectorID int, mv types.MeterValue) {
	sample := &models.MeterSample{
		SessionID:   sessionID,
		ChargerID:   s.ChargePoint.ID,
		ConnectorID: connectorID,
		Timestamp:   time.Now(),
	}
	if mv.Timestamp != nil {
		sample.Timestamp = mv.Timestamp.Time
	}

	extra := map[string]string{}
	for _, sv := range mv.SampledValue {
		value, err := strconv.ParseFloat(sv.Value, 64)
		if err != nil {
			extra[string(sv.Measurand)] = sv.Value
			continue
		}
		switch {
		// An omitted measurand defaults to the energy register.
		case sv.Measurand == "" || strings.HasPrefix(string(sv.Measurand), "Energy.Active.Import"):
			sample.EnergyWh = &value
		case sv.Measurand == types.MeasurandCurrentImport:
			sample.Current = &value
		case sv.Measurand == types.MeasurandVoltage:
			sample.Voltage = &value
		case sv.Measurand == types.MeasurandTemperature:
			sample.Temperature = &value
		default:
			extra[string(sv.Measurand)] = sv.Value
		}
	}
	if len(extra) > 0 {
		if data, err := json.Marshal(extra); err == nil {
			sample.Data = string(data)
		}
	}

	if err := h.tracker.RecordSample(ctx, sample); err != nil {
		logrus.WithError(err).WithField("sessionID", sessionID).Error("Failed to record meter sample")
	}
}

func (h *Handlers) recordEvent(ctx context.Context, s *Session, connectorID, sessionID *int, eventType, data string) {
	event := &models.Event{
		CompanyID:   s.ChargePoint.CompanyID,
		SiteID:      s.ChargePoint.SiteID,
		ChargerID:   s.ChargePoint.ID,
		ConnectorID: connectorID,
		SessionID:   sessionID,
		Type:        eventType,
		Data:        data,
		Timestamp:   time.Now(),
	}
	if err := h.store.InsertEvent(ctx, event); err != nil {
		logrus.WithError(err).WithField("type", eventType).Error("Failed to record event")
	}
}

func decode(payload json.RawMessage, v interface{}) *WireError {
	if err := json.Unmarshal(payload, v); err != nil {
		return &WireError{Code: ErrFormationViolation, Description: "malformed payload: " + err.Error()}
	}
	if err := ocppj.Validate.Struct(v); err != nil {
		return &WireError{Code: ErrOccurenceConstraintViolation, Description: "invalid payload: " + err.Error()}
	}
	return nil
}
