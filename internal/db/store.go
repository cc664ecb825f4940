package db

import (
	"context"
	"time"

	"github.com/voltgrid/csms/internal/db/models"
)

// Store is the persistence port consumed by the protocol engine and the
// services. Lookups that can legitimately miss return a found flag instead
// of an error; errors are reserved for the store itself failing.
type Store interface {
	// Charge points
	GetChargePointByName(ctx context.Context, name string) (*models.ChargePoint, bool, error)
	UpdateChargePointBoot(ctx context.Context, chargerID int, info models.BootInfo) error
	SetChargePointConnected(ctx context.Context, chargerID int, connected bool, at time.Time) error
	TouchHeartbeat(ctx context.Context, chargerID int, at time.Time) error

	// Connectors
	UpsertConnectorStatus(ctx context.Context, chargerID, connectorID int, status, errorCode string) error
	GetConnector(ctx context.Context, chargerID, connectorID int) (*models.Connector, bool, error)
	ListConnectors(ctx context.Context, chargerID int) ([]*models.Connector, error)

	// Charge sessions
	NextSessionID(ctx context.Context) (int, error)
	InsertSession(ctx context.Context, session *models.ChargeSession) error
	GetSession(ctx context.Context, id int) (*models.ChargeSession, bool, error)
	GetOpenSessionByConnector(ctx context.Context, chargerID, connectorID int) (*models.ChargeSession, bool, error)
	UpdateSession(ctx context.Context, id int, update models.SessionUpdate) error

	// Meter samples
	InsertMeterSample(ctx context.Context, sample *models.MeterSample) error
	ListMeterSamples(ctx context.Context, sessionID int) ([]*models.MeterSample, error)

	// RFID cards and permissions
	GetRFIDCard(ctx context.Context, id string) (*models.RFIDCard, bool, error)
	GetDriver(ctx context.Context, id int) (*models.Driver, bool, error)
	GetSitePermission(ctx context.Context, driverID, siteID, companyID int) (*models.SitePermission, bool, error)

	// Tariffs
	GetTariff(ctx context.Context, id int) (*models.Tariff, bool, error)

	// Payment transactions
	InsertPaymentTransaction(ctx context.Context, tx *models.PaymentTransaction) (int, error)
	GetPaymentTransaction(ctx context.Context, id int) (*models.PaymentTransaction, bool, error)
	GetPaymentTransactionByIntent(ctx context.Context, intentID string) (*models.PaymentTransaction, bool, error)
	GetLatestPaymentTransactionForSession(ctx context.Context, sessionID int) (*models.PaymentTransaction, bool, error)
	UpdatePaymentTransaction(ctx context.Context, id int, update models.PaymentTransactionUpdate) error

	// Events
	InsertEvent(ctx context.Context, event *models.Event) error
}
