package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

// MapPaymentStatus translates a payment-provider status string into the
// session-level billing status. Unrecognized provider statuses map to
// "unknown" rather than failing, so a provider rolling out new states never
// breaks the sync.
func MapPaymentStatus(providerStatus string) string {
	switch providerStatus {
	case "pending":
		return models.PaymentStatusPending
	case "succeeded":
		return models.PaymentStatusPaid
	case "failed":
		return models.PaymentStatusFailed
	case "canceled":
		return models.PaymentStatusCanceled
	case "refunded":
		return models.PaymentStatusRefunded
	default:
		return models.PaymentStatusUnknown
	}
}

// TransactionRef identifies the payment transaction a status change applies
// to, either by internal id or by the provider's intent id.
type TransactionRef struct {
	TransactionID    *int
	ExternalIntentID *string
}

// BillingStatus is the combined billing view of a session.
type BillingStatus struct {
	SessionID     int                        `json:"sessionId"`
	SessionStatus string                     `json:"sessionStatus"`
	Cost          float64                    `json:"cost"`
	PaymentStatus string                     `json:"paymentStatus"`
	Transaction   *models.PaymentTransaction `json:"transaction,omitempty"`
}

// PaymentSync keeps session billing status in step with payment-provider
// transaction updates.
type PaymentSync struct {
	store db.Store
}

// NewPaymentSync creates a new payment status synchronizer
func NewPaymentSync(store db.Store) *PaymentSync {
	return &PaymentSync{store: store}
}

// HandleStatusChange applies a provider status update to the referenced
// transaction and projects the result onto the linked session. When several
// transactions reference the same session, the most recent one wins, so a
// stale webhook replay cannot regress the session's billing state.
func (p *PaymentSync) HandleStatusChange(ctx context.Context, ref TransactionRef, providerStatus string) error {
	txn, found, err := p.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if !found {
		logrus.WithField("providerStatus", providerStatus).Warn("Payment status change for unknown transaction")
		return nil
	}

	mapped := MapPaymentStatus(providerStatus)
	update := models.PaymentTransactionUpdate{
		Status:        &providerStatus,
		PaymentStatus: &mapped,
	}
	if err := p.store.UpdatePaymentTransaction(ctx, txn.ID, update); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"transactionID":  txn.ID,
		"providerStatus": providerStatus,
		"paymentStatus":  mapped,
	}).Info("Payment transaction status updated")

	if txn.SessionID == nil {
		return nil
	}

	latest, found, err := p.store.GetLatestPaymentTransactionForSession(ctx, *txn.SessionID)
	if err != nil {
		return err
	}
	sessionStatus := mapped
	if found && latest.ID != txn.ID {
		sessionStatus = latest.PaymentStatus
	}
	if err := p.store.UpdateSession(ctx, *txn.SessionID, models.SessionUpdate{PaymentStatus: &sessionStatus}); err != nil {
		logrus.WithError(err).WithField("sessionID", *txn.SessionID).Error("Failed to project payment status onto session")
	}
	return nil
}

// StatusFor returns the billing view for a session.
func (p *PaymentSync) StatusFor(ctx context.Context, sessionID int) (*BillingStatus, error) {
	session, found, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSessionNotFound
	}

	status := &BillingStatus{
		SessionID:     sessionID,
		SessionStatus: session.Status,
		Cost:          session.Cost,
		PaymentStatus: session.PaymentStatus,
	}
	if session.PaymentTransactionID != nil {
		txn, found, err := p.store.GetPaymentTransaction(ctx, *session.PaymentTransactionID)
		if err == nil && found {
			status.Transaction = txn
		}
	}
	return status, nil
}

func (p *PaymentSync) resolve(ctx context.Context, ref TransactionRef) (*models.PaymentTransaction, bool, error) {
	if ref.TransactionID != nil {
		return p.store.GetPaymentTransaction(ctx, *ref.TransactionID)
	}
	if ref.ExternalIntentID != nil {
		return p.store.GetPaymentTransactionByIntent(ctx, *ref.ExternalIntentID)
	}
	return nil, false, nil
}
