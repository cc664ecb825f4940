package models

import (
	"time"
)

// ChargePoint represents a registered charger. Name is the protocol-level
// identity the charger connects with; ID, CompanyID and SiteID are the
// internal keys it resolves to.
type ChargePoint struct {
	ID              int       `json:"id"`
	CompanyID       int       `json:"companyId"`
	SiteID          int       `json:"siteId"`
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	Vendor          string    `json:"vendor"`
	Model           string    `json:"model"`
	SerialNumber    string    `json:"serialNumber"`
	FirmwareVersion string    `json:"firmwareVersion"`
	MeterSerial     string    `json:"meterSerial"`
	MeterType       string    `json:"meterType"`
	IsConnected     bool      `json:"isConnected"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	LastConnect     time.Time `json:"lastConnect"`
	LastDisconnect  time.Time `json:"lastDisconnect"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BootInfo carries the charger-reported fields from a BootNotification.
type BootInfo struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	MeterSerial     string
	MeterType       string
}

// Connector represents one physical outlet on a charger. Connector id 0
// denotes the charger itself and is never stored as a connector row.
type Connector struct {
	ChargerID   int       `json:"chargerId"`
	ConnectorID int       `json:"connectorId"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"errorCode"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChargeSession represents one charging transaction. A session is open
// while EndTime is nil; at most one open session exists per
// (charger, connector) pair.
type ChargeSession struct {
	ID                   int        `json:"id"`
	CompanyID            int        `json:"companyId"`
	SiteID               int        `json:"siteId"`
	ChargerID            int        `json:"chargerId"`
	ConnectorID          int        `json:"connectorId"`
	DriverID             *int       `json:"driverId,omitempty"`
	IdTag                string     `json:"idTag"`
	StartTime            time.Time  `json:"startTime"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	Status               string     `json:"status"` // Started, Completed
	EnergyKWh            float64    `json:"energyKWh"`
	DurationSeconds      int        `json:"durationSeconds"`
	StopReason           string     `json:"stopReason,omitempty"`
	TariffID             *int       `json:"tariffId,omitempty"`
	Cost                 float64    `json:"cost"`
	PaymentTransactionID *int       `json:"paymentTransactionId,omitempty"`
	PaymentStatus        string     `json:"paymentStatus,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Open reports whether the session is still running.
func (s *ChargeSession) Open() bool {
	return s.EndTime == nil
}

// SessionUpdate is an explicit partial update for a charge session.
// Only non-nil fields are written.
type SessionUpdate struct {
	EndTime              *time.Time
	Status               *string
	EnergyKWh            *float64
	DurationSeconds      *int
	StopReason           *string
	Cost                 *float64
	PaymentTransactionID *int
	PaymentStatus        *string
}

// MeterSample is an append-only telemetry reading attributed to a session.
// At most one numeric field is set per sample; readings that cannot be
// parsed keep their raw value in Data only.
type MeterSample struct {
	ID          int       `json:"id"`
	SessionID   int       `json:"sessionId"`
	ChargerID   int       `json:"chargerId"`
	ConnectorID int       `json:"connectorId"`
	Timestamp   time.Time `json:"timestamp"`
	EnergyWh    *float64  `json:"energyWh,omitempty"`
	Current     *float64  `json:"current,omitempty"`
	Voltage     *float64  `json:"voltage,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Data        string    `json:"data,omitempty"`
}

// Tariff is a billing rule. Rates are per kWh; the daytime window uses
// "HH:MM" clock strings and may wrap past midnight (e.g. 22:00-06:00).
type Tariff struct {
	ID            int      `json:"id"`
	CompanyID     int      `json:"companyId"`
	Name          string   `json:"name"`
	Enabled       bool     `json:"enabled"`
	RateDaytime   *float64 `json:"rateDaytime,omitempty"`
	RateNighttime *float64 `json:"rateNighttime,omitempty"`
	DaytimeFrom   string   `json:"daytimeFrom,omitempty"`
	DaytimeTo     string   `json:"daytimeTo,omitempty"`
	FixedStartFee *float64 `json:"fixedStartFee,omitempty"`
	IdleFee       *float64 `json:"idleFee,omitempty"`
	IdleGraceMin  int      `json:"idleGraceMinutes,omitempty"`
}

// RFIDCard is an authorization token. The card id is the OCPP idTag.
type RFIDCard struct {
	ID        string `json:"id"`
	CompanyID int    `json:"companyId"`
	DriverID  int    `json:"driverId"`
	Enabled   bool   `json:"enabled"`
}

// Driver links an RFID card holder to an optional tariff.
type Driver struct {
	ID        int  `json:"id"`
	CompanyID int  `json:"companyId"`
	TariffID  *int `json:"tariffId,omitempty"`
	Enabled   bool `json:"enabled"`
}

// SitePermission is a per-driver/per-site use permit. Absence of a record
// means access is allowed; a disabled record means access is blocked.
type SitePermission struct {
	DriverID  int  `json:"driverId"`
	SiteID    int  `json:"siteId"`
	CompanyID int  `json:"companyId"`
	Enabled   bool `json:"enabled"`
}

// Billing statuses tracked on sessions and payment transactions.
const (
	PaymentStatusPending     = "pending"
	PaymentStatusPaid        = "paid"
	PaymentStatusFailed      = "failed"
	PaymentStatusCanceled    = "canceled"
	PaymentStatusRefunded    = "refunded"
	PaymentStatusNotRequired = "not_required"
	PaymentStatusUnknown     = "unknown"
)

// PaymentTransaction links a charge session to an external gateway charge.
type PaymentTransaction struct {
	ID               int       `json:"id"`
	CompanyID        int       `json:"companyId"`
	SiteID           int       `json:"siteId"`
	ChargerID        int       `json:"chargerId"`
	DriverID         int       `json:"driverId"`
	SessionID        *int      `json:"sessionId,omitempty"`
	Amount           float64   `json:"amount"`
	Status           string    `json:"status"`        // internal lifecycle, e.g. pending_completion
	PaymentStatus    string    `json:"paymentStatus"` // gateway-facing, see PaymentStatus* constants
	ExternalIntentID string    `json:"externalIntentId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PaymentTransactionUpdate is an explicit partial update for a payment
// transaction. Only non-nil fields are written.
type PaymentTransactionUpdate struct {
	Amount        *float64
	Status        *string
	PaymentStatus *string
	SessionID     *int
}

// Event is an append-only audit record of protocol activity.
type Event struct {
	ID          int       `json:"id"`
	CompanyID   int       `json:"companyId"`
	SiteID      int       `json:"siteId"`
	ChargerID   int       `json:"chargerId"`
	ConnectorID *int      `json:"connectorId,omitempty"`
	SessionID   *int      `json:"sessionId,omitempty"`
	Type        string    `json:"type"`
	Data        string    `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
