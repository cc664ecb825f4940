package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("charge session not found")

// Session lifecycle statuses.
const (
	SessionStatusStarted   = "Started"
	SessionStatusCompleted = "Completed"
)

// Tracker owns the charge-session lifecycle: it opens and closes sessions,
// records meter telemetry, and derives energy, timeline and power figures
// from the recorded samples.
type Tracker struct {
	store   db.Store
	tariffs *TariffEngine
}

// NewTracker creates a new charge session tracker
func NewTracker(store db.Store, tariffs *TariffEngine) *Tracker {
	return &Tracker{store: store, tariffs: tariffs}
}

// OpenParams carries everything needed to open a new charge session.
type OpenParams struct {
	ChargePoint          *models.ChargePoint
	IdTag                string
	ConnectorID          int
	StartTime            time.Time
	MeterStart           float64 // Wh register value at plug-in
	DriverID             *int
	TariffID             *int
	PaymentTransactionID *int
}

// Open assigns the next session id, inserts the session row and records the
// meter-start reading as the session's baseline energy sample. Per OCPP 1.6
// a StartTransaction cannot be refused by the server, so Open creates a new
// session unconditionally; callers guard the one-open-session-per-connector
// invariant through connector state.
func (t *Tracker) Open(ctx context.Context, p OpenParams) (int, error) {
	id, err := t.store.NextSessionID(ctx)
	if err != nil {
		return 0, err
	}

	session := &models.ChargeSession{
		ID:                   id,
		CompanyID:            p.ChargePoint.CompanyID,
		SiteID:               p.ChargePoint.SiteID,
		ChargerID:            p.ChargePoint.ID,
		ConnectorID:          p.ConnectorID,
		DriverID:             p.DriverID,
		IdTag:                p.IdTag,
		StartTime:            p.StartTime,
		Status:               SessionStatusStarted,
		TariffID:             p.TariffID,
		PaymentTransactionID: p.PaymentTransactionID,
	}
	if p.PaymentTransactionID != nil {
		session.PaymentStatus = models.PaymentStatusPending
	}

	if err := t.store.InsertSession(ctx, session); err != nil {
		return 0, err
	}

	// The meter-start register value becomes the baseline for all energy
	// derivations on this session.
	meterStart := p.MeterStart
	sample := &models.MeterSample{
		SessionID:   id,
		ChargerID:   p.ChargePoint.ID,
		ConnectorID: p.ConnectorID,
		Timestamp:   p.StartTime,
		EnergyWh:    &meterStart,
	}
	if err := t.store.InsertMeterSample(ctx, sample); err != nil {
		logrus.WithError(err).WithField("sessionID", id).Error("Failed to record meter-start sample")
	}

	return id, nil
}

// RecordSample appends one telemetry reading. Energy readings additionally
// refresh the session's running energy figure while the session is open;
// the value written at close remains authoritative.
func (t *Tracker) RecordSample(ctx context.Context, sample *models.MeterSample) error {
	if err := t.store.InsertMeterSample(ctx, sample); err != nil {
		return err
	}

	if sample.EnergyWh == nil {
		return nil
	}

	session, found, err := t.store.GetSession(ctx, sample.SessionID)
	if err != nil || !found || !session.Open() {
		return nil
	}

	baseline, err := t.meterStartValue(ctx, sample.SessionID)
	if err != nil {
		return nil
	}
	running := (*sample.EnergyWh - baseline) / 1000.0
	if running > 0 {
		if err := t.store.UpdateSession(ctx, sample.SessionID, models.SessionUpdate{EnergyKWh: &running}); err != nil {
			logrus.WithError(err).WithField("sessionID", sample.SessionID).Error("Failed to update running energy")
		}
	}
	return nil
}

// CloseResult carries the figures finalized when a session closes.
type CloseResult struct {
	DurationSeconds int
	EnergyKWh       float64
	Cost            float64
}

// Close finalizes a session: duration from the start time, energy from the
// meter-stop register against the session's baseline sample (clamped at
// zero so meter rollover never bills negative energy), cost from the tariff
// engine. Closing an already-closed session returns the stored figures
// without recomputing.
func (t *Tracker) Close(ctx context.Context, sessionID int, endTime time.Time, reason string, meterStop float64) (CloseResult, error) {
	session, found, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return CloseResult{}, err
	}
	if !found {
		return CloseResult{}, ErrSessionNotFound
	}
	if !session.Open() {
		return CloseResult{
			DurationSeconds: session.DurationSeconds,
			EnergyKWh:       session.EnergyKWh,
			Cost:            session.Cost,
		}, nil
	}

	baseline, err := t.meterStartValue(ctx, sessionID)
	if err != nil {
		logrus.WithError(err).WithField("sessionID", sessionID).Error("Failed to load meter-start value")
		baseline = 0
	}

	duration := int(endTime.Sub(session.StartTime).Seconds())
	energy := (meterStop - baseline) / 1000.0
	if energy < 0 {
		energy = 0
	}

	cost := 0.0
	paymentStatus := models.PaymentStatusNotRequired
	if session.TariffID != nil && energy > 0 {
		var breakdown CostBreakdown
		cost, breakdown = t.tariffs.Cost(ctx, *session.TariffID, energy, session.StartTime, endTime)
		logrus.WithFields(logrus.Fields{
			"sessionID": sessionID,
			"cost":      cost,
			"rateType":  breakdown.RateType,
		}).Info("Session cost calculated")
	}
	if cost > 0 {
		paymentStatus = models.PaymentStatusPending
	}

	// Settle the payment transaction opened at start, if any.
	if session.PaymentTransactionID != nil {
		update := models.PaymentTransactionUpdate{
			Amount:        &cost,
			PaymentStatus: &paymentStatus,
		}
		if err := t.store.UpdatePaymentTransaction(ctx, *session.PaymentTransactionID, update); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"sessionID":     sessionID,
				"transactionID": *session.PaymentTransactionID,
			}).Error("Failed to settle payment transaction")
		}
	} else if cost == 0 {
		paymentStatus = ""
	}

	status := SessionStatusCompleted
	update := models.SessionUpdate{
		EndTime:         &endTime,
		Status:          &status,
		EnergyKWh:       &energy,
		DurationSeconds: &duration,
		StopReason:      &reason,
		Cost:            &cost,
	}
	if paymentStatus != "" {
		update.PaymentStatus = &paymentStatus
	}
	if err := t.store.UpdateSession(ctx, sessionID, update); err != nil {
		return CloseResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"sessionID": sessionID,
		"duration":  duration,
		"energyKWh": energy,
		"cost":      cost,
	}).Info("Charge session completed")

	return CloseResult{DurationSeconds: duration, EnergyKWh: energy, Cost: cost}, nil
}

// EnergyFor derives consumed energy as (last energy sample - first) / 1000,
// clamped at zero.
func (t *Tracker) EnergyFor(ctx context.Context, sessionID int) (float64, error) {
	samples, err := t.store.ListMeterSamples(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	var first, last *float64
	for _, s := range samples {
		if s.EnergyWh == nil {
			continue
		}
		if first == nil {
			first = s.EnergyWh
		}
		last = s.EnergyWh
	}
	if first == nil || last == nil {
		return 0, nil
	}

	energy := (*last - *first) / 1000.0
	if energy < 0 {
		energy = 0
	}
	return energy, nil
}

// Timeline returns the session's samples that carry a numeric value, in
// append order.
func (t *Tracker) Timeline(ctx context.Context, sessionID int) ([]*models.MeterSample, error) {
	samples, err := t.store.ListMeterSamples(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var out []*models.MeterSample
	for _, s := range samples {
		if s.EnergyWh != nil || s.Current != nil || s.Voltage != nil || s.Temperature != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// MaxPower derives peak power in kW as max(current x voltage / 1000) over
// samples carrying both readings.
func (t *Tracker) MaxPower(ctx context.Context, sessionID int) (float64, error) {
	samples, err := t.store.ListMeterSamples(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	max := 0.0
	for _, s := range samples {
		if s.Current == nil || s.Voltage == nil {
			continue
		}
		power := *s.Current * *s.Voltage / 1000.0
		if power > max {
			max = power
		}
	}
	return max, nil
}

// meterStartValue returns the earliest recorded energy sample for a
// session, or 0 if none exists.
func (t *Tracker) meterStartValue(ctx context.Context, sessionID int) (float64, error) {
	samples, err := t.store.ListMeterSamples(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for _, s := range samples {
		if s.EnergyWh != nil {
			return *s.EnergyWh, nil
		}
	}
	return 0, nil
}
