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

func TestMapPaymentStatus(t *testing.T) {
	cases := map[string]string{
		"pending":    models.PaymentStatusPending,
		"succeeded":  models.PaymentStatusPaid,
		"failed":     models.PaymentStatusFailed,
		"canceled":   models.PaymentStatusCanceled,
		"refunded":   models.PaymentStatusRefunded,
		"processing": models.PaymentStatusUnknown,
		"":           models.PaymentStatusUnknown,
	}
	for provider, want := range cases {
		assert.Equal(t, want, MapPaymentStatus(provider), "provider status %q", provider)
	}
}

func seedSessionWithPayment(t *testing.T, store *db.MemoryStore) (sessionID, txnID int) {
	t.Helper()
	ctx := context.Background()

	sessionID = 1
	require.NoError(t, store.InsertSession(ctx, &models.ChargeSession{
		ID: sessionID, CompanyID: 10, SiteID: 20, ChargerID: 1, ConnectorID: 1,
		IdTag:         "TAG1",
		StartTime:     time.Now(),
		Status:        SessionStatusStarted,
		PaymentStatus: models.PaymentStatusPending,
	}))

	var err error
	txnID, err = store.InsertPaymentTransaction(ctx, &models.PaymentTransaction{
		CompanyID: 10, SiteID: 20, ChargerID: 1, DriverID: 5,
		SessionID:        &sessionID,
		Status:           "pending_completion",
		PaymentStatus:    models.PaymentStatusPending,
		ExternalIntentID: "pi_123",
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateSession(ctx, sessionID, models.SessionUpdate{PaymentTransactionID: &txnID}))
	return sessionID, txnID
}

func TestHandleStatusChangeByTransactionID(t *testing.T) {
	store := db.NewMemoryStore()
	sessionID, txnID := seedSessionWithPayment(t, store)
	sync := NewPaymentSync(store)

	err := sync.HandleStatusChange(context.Background(), TransactionRef{TransactionID: &txnID}, "succeeded")
	require.NoError(t, err)

	txn, found, err := store.GetPaymentTransaction(context.Background(), txnID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "succeeded", txn.Status)
	assert.Equal(t, models.PaymentStatusPaid, txn.PaymentStatus)

	session, _, _ := store.GetSession(context.Background(), sessionID)
	assert.Equal(t, models.PaymentStatusPaid, session.PaymentStatus)
}

func TestHandleStatusChangeByIntentID(t *testing.T) {
	store := db.NewMemoryStore()
	sessionID, _ := seedSessionWithPayment(t, store)
	sync := NewPaymentSync(store)

	intent := "pi_123"
	err := sync.HandleStatusChange(context.Background(), TransactionRef{ExternalIntentID: &intent}, "failed")
	require.NoError(t, err)

	session, _, _ := store.GetSession(context.Background(), sessionID)
	assert.Equal(t, models.PaymentStatusFailed, session.PaymentStatus)
}

func TestHandleStatusChangeUnknownTransaction(t *testing.T) {
	store := db.NewMemoryStore()
	sync := NewPaymentSync(store)

	id := 404
	// Unknown references are logged and dropped, not surfaced as errors.
	err := sync.HandleStatusChange(context.Background(), TransactionRef{TransactionID: &id}, "succeeded")
	assert.NoError(t, err)
}

func TestHandleStatusChangeUnlinkedTransaction(t *testing.T) {
	store := db.NewMemoryStore()
	sync := NewPaymentSync(store)

	txnID, err := store.InsertPaymentTransaction(context.Background(), &models.PaymentTransaction{
		CompanyID: 10, SiteID: 20, ChargerID: 1, DriverID: 5,
		Status:        "pending_completion",
		PaymentStatus: models.PaymentStatusPending,
	})
	require.NoError(t, err)

	err = sync.HandleStatusChange(context.Background(), TransactionRef{TransactionID: &txnID}, "succeeded")
	require.NoError(t, err)

	txn, _, _ := store.GetPaymentTransaction(context.Background(), txnID)
	assert.Equal(t, models.PaymentStatusPaid, txn.PaymentStatus)
}

func TestLatestTransactionWinsOnSession(t *testing.T) {
	store := db.NewMemoryStore()
	sessionID, txnID := seedSessionWithPayment(t, store)
	sync := NewPaymentSync(store)

	// A second, newer transaction for the same session.
	newerID, err := store.InsertPaymentTransaction(context.Background(), &models.PaymentTransaction{
		CompanyID: 10, SiteID: 20, ChargerID: 1, DriverID: 5,
		SessionID:     &sessionID,
		Status:        "pending_completion",
		PaymentStatus: models.PaymentStatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, sync.HandleStatusChange(context.Background(), TransactionRef{TransactionID: &newerID}, "succeeded"))

	// A stale update to the older transaction must not regress the session.
	require.NoError(t, sync.HandleStatusChange(context.Background(), TransactionRef{TransactionID: &txnID}, "failed"))

	session, _, _ := store.GetSession(context.Background(), sessionID)
	assert.Equal(t, models.PaymentStatusPaid, session.PaymentStatus)
}

func TestStatusFor(t *testing.T) {
	store := db.NewMemoryStore()
	sessionID, txnID := seedSessionWithPayment(t, store)
	sync := NewPaymentSync(store)

	billing, err := sync.StatusFor(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, billing.SessionID)
	assert.Equal(t, models.PaymentStatusPending, billing.PaymentStatus)
	if assert.NotNil(t, billing.Transaction) {
		assert.Equal(t, txnID, billing.Transaction.ID)
	}

	_, err = sync.StatusFor(context.Background(), 99)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
