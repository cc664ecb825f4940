package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

func newTestTracker(t *testing.T) (*Tracker, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	return NewTracker(store, NewTariffEngine(store)), store
}

func openTestSession(t *testing.T, tracker *Tracker, meterStart float64, tariffID *int) int {
	t.Helper()
	id, err := tracker.Open(context.Background(), OpenParams{
		ChargePoint: testChargePoint(),
		IdTag:       "TAG1",
		ConnectorID: 1,
		StartTime:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		MeterStart:  meterStart,
		TariffID:    tariffID,
	})
	require.NoError(t, err)
	return id
}

func TestOpenAssignsSequentialIDs(t *testing.T) {
	tracker, _ := newTestTracker(t)

	first := openTestSession(t, tracker, 0, nil)
	second := openTestSession(t, tracker, 0, nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestCloseComputesEnergyFromMeterStart(t *testing.T) {
	tracker, store := newTestTracker(t)
	id := openTestSession(t, tracker, 1000, nil)

	end := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	result, err := tracker.Close(context.Background(), id, end, "Local", 6000)
	require.NoError(t, err)

	assert.Equal(t, 5.0, result.EnergyKWh)
	assert.Equal(t, 3600, result.DurationSeconds)

	session, found, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SessionStatusCompleted, session.Status)
	assert.Equal(t, "Local", session.StopReason)
	assert.False(t, session.Open())
}

func TestCloseClampsNegativeEnergy(t *testing.T) {
	tracker, _ := newTestTracker(t)
	id := openTestSession(t, tracker, 5000, nil)

	result, err := tracker.Close(context.Background(), id, time.Now(), "PowerLoss", 100)
	require.NoError(t, err)
	assert.Zero(t, result.EnergyKWh)
}

func TestCloseIsIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t)
	id := openTestSession(t, tracker, 1000, nil)

	end := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	first, err := tracker.Close(context.Background(), id, end, "Local", 6000)
	require.NoError(t, err)

	// A repeated stop must return the stored figures, not recompute them.
	second, err := tracker.Close(context.Background(), id, end.Add(time.Hour), "Remote", 9000)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCloseUnknownSession(t *testing.T) {
	tracker, _ := newTestTracker(t)

	_, err := tracker.Close(context.Background(), 99, time.Now(), "Local", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseAppliesTariffAndSettlesPayment(t *testing.T) {
	tracker, store := newTestTracker(t)
	store.AddTariff(models.Tariff{ID: 3, Name: "std", Enabled: true, RateDaytime: floatPtr(2.0)})

	tariffID := 3
	txnID, err := store.InsertPaymentTransaction(context.Background(), &models.PaymentTransaction{
		CompanyID: 10, SiteID: 20, ChargerID: 1, DriverID: 5,
		Status:        "pending_completion",
		PaymentStatus: models.PaymentStatusPending,
	})
	require.NoError(t, err)

	id, err := tracker.Open(context.Background(), OpenParams{
		ChargePoint:          testChargePoint(),
		IdTag:                "TAG1",
		ConnectorID:          1,
		StartTime:            time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		MeterStart:           0,
		TariffID:             &tariffID,
		PaymentTransactionID: &txnID,
	})
	require.NoError(t, err)

	result, err := tracker.Close(context.Background(), id, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), "Local", 10000)
	require.NoError(t, err)
	assert.Equal(t, 20.0, result.Cost)

	txn, found, err := store.GetPaymentTransaction(context.Background(), txnID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20.0, txn.Amount)
	assert.Equal(t, models.PaymentStatusPending, txn.PaymentStatus)

	session, _, _ := store.GetSession(context.Background(), id)
	assert.Equal(t, models.PaymentStatusPending, session.PaymentStatus)
}

func TestCloseFreeSessionNotRequired(t *testing.T) {
	tracker, store := newTestTracker(t)

	txnID, err := store.InsertPaymentTransaction(context.Background(), &models.PaymentTransaction{
		CompanyID: 10, SiteID: 20, ChargerID: 1, DriverID: 5,
		Status:        "pending_completion",
		PaymentStatus: models.PaymentStatusPending,
	})
	require.NoError(t, err)

	id, err := tracker.Open(context.Background(), OpenParams{
		ChargePoint:          testChargePoint(),
		IdTag:                "TAG1",
		ConnectorID:          1,
		StartTime:            time.Now(),
		PaymentTransactionID: &txnID,
	})
	require.NoError(t, err)

	_, err = tracker.Close(context.Background(), id, time.Now(), "Local", 0)
	require.NoError(t, err)

	txn, _, _ := store.GetPaymentTransaction(context.Background(), txnID)
	assert.Equal(t, models.PaymentStatusNotRequired, txn.PaymentStatus)
	assert.Zero(t, txn.Amount)
}

func TestRecordSampleUpdatesRunningEnergy(t *testing.T) {
	tracker, store := newTestTracker(t)
	id := openTestSession(t, tracker, 1000, nil)

	err := tracker.RecordSample(context.Background(), &models.MeterSample{
		SessionID: id, ChargerID: 1, ConnectorID: 1,
		Timestamp: time.Now(),
		EnergyWh:  floatPtr(3500),
	})
	require.NoError(t, err)

	session, _, _ := store.GetSession(context.Background(), id)
	assert.Equal(t, 2.5, session.EnergyKWh)
}

func TestEnergyForUsesFirstAndLastSamples(t *testing.T) {
	tracker, _ := newTestTracker(t)
	id := openTestSession(t, tracker, 1000, nil)

	for _, wh := range []float64{2000, 4000, 5500} {
		err := tracker.RecordSample(context.Background(), &models.MeterSample{
			SessionID: id, ChargerID: 1, ConnectorID: 1,
			Timestamp: time.Now(),
			EnergyWh:  floatPtr(wh),
		})
		require.NoError(t, err)
	}

	energy, err := tracker.EnergyFor(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4.5, energy)
}

func TestEnergyForNoSamples(t *testing.T) {
	tracker, _ := newTestTracker(t)

	energy, err := tracker.EnergyFor(context.Background(), 99)
	require.NoError(t, err)
	assert.Zero(t, energy)
}

func TestMaxPower(t *testing.T) {
	tracker, _ := newTestTracker(t)
	id := openTestSession(t, tracker, 0, nil)

	readings := []struct{ current, voltage float64 }{
		{10, 230},
		{16, 230},
		{8, 230},
	}
	for _, r := range readings {
		err := tracker.RecordSample(context.Background(), &models.MeterSample{
			SessionID: id, ChargerID: 1, ConnectorID: 1,
			Timestamp: time.Now(),
			Current:   floatPtr(r.current),
			Voltage:   floatPtr(r.voltage),
		})
		require.NoError(t, err)
	}

	power, err := tracker.MaxPower(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 3.68, power, 0.001)
}

func TestTimelineSkipsEmptySamples(t *testing.T) {
	tracker, store := newTestTracker(t)
	id := openTestSession(t, tracker, 1000, nil)

	// A sample with only raw vendor data carries no numeric reading.
	err := store.InsertMeterSample(context.Background(), &models.MeterSample{
		SessionID: id, ChargerID: 1, ConnectorID: 1,
		Timestamp: time.Now(),
		Data:      `{"Frequency":"50"}`,
	})
	require.NoError(t, err)

	timeline, err := tracker.Timeline(context.Background(), id)
	require.NoError(t, err)
	// Only the meter-start sample qualifies.
	assert.Len(t, timeline, 1)
}
