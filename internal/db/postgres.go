package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltgrid/csms/config"
	"github.com/voltgrid/csms/internal/db/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes a new PostgreSQL connection pool
func NewPostgresStore(cfg *config.Config) (*PostgresStore, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetChargePointByName retrieves a charge point by its protocol identity
func (s *PostgresStore) GetChargePointByName(ctx context.Context, name string) (*models.ChargePoint, bool, error) {
	query := `
		SELECT
			id, company_id, site_id, name, enabled, vendor, model, serial_number,
			firmware_version, meter_serial, meter_type, is_connected,
			last_heartbeat, last_connect, last_disconnect, created_at, updated_at
		FROM charge_points
		WHERE name = $1
	`

	cp := &models.ChargePoint{}
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&cp.ID, &cp.CompanyID, &cp.SiteID, &cp.Name, &cp.Enabled, &cp.Vendor, &cp.Model,
		&cp.SerialNumber, &cp.FirmwareVersion, &cp.MeterSerial, &cp.MeterType, &cp.IsConnected,
		&cp.LastHeartbeat, &cp.LastConnect, &cp.LastDisconnect, &cp.CreatedAt, &cp.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// UpdateChargePointBoot stores the charger-reported fields from a BootNotification
func (s *PostgresStore) UpdateChargePointBoot(ctx context.Context, chargerID int, info models.BootInfo) error {
	query := `
		UPDATE charge_points
		SET vendor = $1, model = $2, serial_number = $3, firmware_version = $4,
			meter_serial = $5, meter_type = $6, last_connect = $7, updated_at = $7
		WHERE id = $8
	`

	_, err := s.pool.Exec(ctx, query,
		info.Vendor, info.Model, info.SerialNumber, info.FirmwareVersion,
		info.MeterSerial, info.MeterType, time.Now(), chargerID,
	)
	return err
}

// SetChargePointConnected updates the connection status of a charge point
func (s *PostgresStore) SetChargePointConnected(ctx context.Context, chargerID int, connected bool, at time.Time) error {
	var query string
	if connected {
		query = `
			UPDATE charge_points
			SET is_connected = true, last_connect = $1, updated_at = $1
			WHERE id = $2
		`
	} else {
		query = `
			UPDATE charge_points
			SET is_connected = false, last_disconnect = $1, updated_at = $1
			WHERE id = $2
		`
	}

	_, err := s.pool.Exec(ctx, query, at, chargerID)
	return err
}

// TouchHeartbeat updates the last heartbeat time of a charge point
func (s *PostgresStore) TouchHeartbeat(ctx context.Context, chargerID int, at time.Time) error {
	query := `
		UPDATE charge_points
		SET last_heartbeat = $1, is_connected = true, updated_at = $1
		WHERE id = $2
	`

	_, err := s.pool.Exec(ctx, query, at, chargerID)
	return err
}

// UpsertConnectorStatus creates or updates a connector row
func (s *PostgresStore) UpsertConnectorStatus(ctx context.Context, chargerID, connectorID int, status, errorCode string) error {
	query := `
		INSERT INTO connectors (
			charger_id, connector_id, status, error_code, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, true, $5, $5)
		ON CONFLICT (charger_id, connector_id) DO UPDATE SET
			status = $3,
			error_code = $4,
			updated_at = $5
	`

	_, err := s.pool.Exec(ctx, query, chargerID, connectorID, status, errorCode, time.Now())
	return err
}

// GetConnector retrieves one connector of a charge point
func (s *PostgresStore) GetConnector(ctx context.Context, chargerID, connectorID int) (*models.Connector, bool, error) {
	query := `
		SELECT charger_id, connector_id, status, error_code, enabled, created_at, updated_at
		FROM connectors
		WHERE charger_id = $1 AND connector_id = $2
	`

	c := &models.Connector{}
	err := s.pool.QueryRow(ctx, query, chargerID, connectorID).Scan(
		&c.ChargerID, &c.ConnectorID, &c.Status, &c.ErrorCode, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListConnectors retrieves all connectors for a charge point
func (s *PostgresStore) ListConnectors(ctx context.Context, chargerID int) ([]*models.Connector, error) {
	query := `
		SELECT charger_id, connector_id, status, error_code, enabled, created_at, updated_at
		FROM connectors
		WHERE charger_id = $1
		ORDER BY connector_id
	`

	rows, err := s.pool.Query(ctx, query, chargerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []*models.Connector
	for rows.Next() {
		c := &models.Connector{}
		if err := rows.Scan(
			&c.ChargerID, &c.ConnectorID, &c.Status, &c.ErrorCode, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}

	return connectors, rows.Err()
}

// NextSessionID assigns the next session id as max-existing + 1
func (s *PostgresStore) NextSessionID(ctx context.Context) (int, error) {
	var maxID *int
	err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM charge_sessions`).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	if maxID == nil {
		return 1, nil
	}
	return *maxID + 1, nil
}

// InsertSession creates a new charge session row
func (s *PostgresStore) InsertSession(ctx context.Context, session *models.ChargeSession) error {
	query := `
		INSERT INTO charge_sessions (
			id, company_id, site_id, charger_id, connector_id, driver_id, id_tag,
			start_time, status, energy_kwh, tariff_id, payment_transaction_id,
			payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.pool.Exec(ctx, query,
		session.ID, session.CompanyID, session.SiteID, session.ChargerID, session.ConnectorID,
		session.DriverID, session.IdTag, session.StartTime, session.Status, session.EnergyKWh,
		session.TariffID, session.PaymentTransactionID, session.PaymentStatus, session.CreatedAt,
	)
	return err
}

// GetSession retrieves a charge session by id
func (s *PostgresStore) GetSession(ctx context.Context, id int) (*models.ChargeSession, bool, error) {
	query := sessionSelect + ` WHERE id = $1`
	session, err := s.scanSession(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// GetOpenSessionByConnector retrieves the open session on a (charger, connector) pair
func (s *PostgresStore) GetOpenSessionByConnector(ctx context.Context, chargerID, connectorID int) (*models.ChargeSession, bool, error) {
	query := sessionSelect + ` WHERE charger_id = $1 AND connector_id = $2 AND end_time IS NULL`
	session, err := s.scanSession(s.pool.QueryRow(ctx, query, chargerID, connectorID))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

const sessionSelect = `
	SELECT
		id, company_id, site_id, charger_id, connector_id, driver_id, id_tag,
		start_time, end_time, status, energy_kwh, duration_seconds, stop_reason,
		tariff_id, cost, payment_transaction_id, payment_status, created_at, updated_at
	FROM charge_sessions`

func (s *PostgresStore) scanSession(row pgx.Row) (*models.ChargeSession, error) {
	session := &models.ChargeSession{}
	err := row.Scan(
		&session.ID, &session.CompanyID, &session.SiteID, &session.ChargerID, &session.ConnectorID,
		&session.DriverID, &session.IdTag, &session.StartTime, &session.EndTime, &session.Status,
		&session.EnergyKWh, &session.DurationSeconds, &session.StopReason, &session.TariffID,
		&session.Cost, &session.PaymentTransactionID, &session.PaymentStatus,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession applies a partial update to a charge session
func (s *PostgresStore) UpdateSession(ctx context.Context, id int, update models.SessionUpdate) error {
	set := "updated_at = $1"
	args := []interface{}{time.Now()}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set += fmt.Sprintf(", %s = $%d", column, len(args))
	}

	if update.EndTime != nil {
		add("end_time", *update.EndTime)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.EnergyKWh != nil {
		add("energy_kwh", *update.EnergyKWh)
	}
	if update.DurationSeconds != nil {
		add("duration_seconds", *update.DurationSeconds)
	}
	if update.StopReason != nil {
		add("stop_reason", *update.StopReason)
	}
	if update.Cost != nil {
		add("cost", *update.Cost)
	}
	if update.PaymentTransactionID != nil {
		add("payment_transaction_id", *update.PaymentTransactionID)
	}
	if update.PaymentStatus != nil {
		add("payment_status", *update.PaymentStatus)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE charge_sessions SET %s WHERE id = $%d", set, len(args))

	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// InsertMeterSample appends a meter reading for a session
func (s *PostgresStore) InsertMeterSample(ctx context.Context, sample *models.MeterSample) error {
	query := `
		INSERT INTO meter_samples (
			session_id, charger_id, connector_id, timestamp, energy_wh,
			current, voltage, temperature, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		sample.SessionID, sample.ChargerID, sample.ConnectorID, sample.Timestamp,
		sample.EnergyWh, sample.Current, sample.Voltage, sample.Temperature,
		sample.Data, time.Now(),
	)
	return err
}

// ListMeterSamples retrieves a session's samples in append order
func (s *PostgresStore) ListMeterSamples(ctx context.Context, sessionID int) ([]*models.MeterSample, error) {
	query := `
		SELECT id, session_id, charger_id, connector_id, timestamp,
			energy_wh, current, voltage, temperature, data
		FROM meter_samples
		WHERE session_id = $1
		ORDER BY timestamp, id
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*models.MeterSample
	for rows.Next() {
		m := &models.MeterSample{}
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.ChargerID, &m.ConnectorID, &m.Timestamp,
			&m.EnergyWh, &m.Current, &m.Voltage, &m.Temperature, &m.Data,
		); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}

	return samples, rows.Err()
}

// GetRFIDCard retrieves an RFID card by tag id
func (s *PostgresStore) GetRFIDCard(ctx context.Context, id string) (*models.RFIDCard, bool, error) {
	query := `SELECT id, company_id, driver_id, enabled FROM rfid_cards WHERE id = $1`

	card := &models.RFIDCard{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&card.ID, &card.CompanyID, &card.DriverID, &card.Enabled)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return card, true, nil
}

// GetDriver retrieves a driver by id
func (s *PostgresStore) GetDriver(ctx context.Context, id int) (*models.Driver, bool, error) {
	query := `SELECT id, company_id, tariff_id, enabled FROM drivers WHERE id = $1`

	driver := &models.Driver{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&driver.ID, &driver.CompanyID, &driver.TariffID, &driver.Enabled)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return driver, true, nil
}

// GetSitePermission retrieves a per-driver/per-site use permit
func (s *PostgresStore) GetSitePermission(ctx context.Context, driverID, siteID, companyID int) (*models.SitePermission, bool, error) {
	query := `
		SELECT driver_id, site_id, company_id, enabled
		FROM site_permissions
		WHERE driver_id = $1 AND site_id = $2 AND company_id = $3
	`

	perm := &models.SitePermission{}
	err := s.pool.QueryRow(ctx, query, driverID, siteID, companyID).Scan(
		&perm.DriverID, &perm.SiteID, &perm.CompanyID, &perm.Enabled,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return perm, true, nil
}

// GetTariff retrieves a tariff by id
func (s *PostgresStore) GetTariff(ctx context.Context, id int) (*models.Tariff, bool, error) {
	query := `
		SELECT id, company_id, name, enabled, rate_daytime, rate_nighttime,
			daytime_from, daytime_to, fixed_start_fee, idle_fee, idle_grace_minutes
		FROM tariffs
		WHERE id = $1
	`

	t := &models.Tariff{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.CompanyID, &t.Name, &t.Enabled, &t.RateDaytime, &t.RateNighttime,
		&t.DaytimeFrom, &t.DaytimeTo, &t.FixedStartFee, &t.IdleFee, &t.IdleGraceMin,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// InsertPaymentTransaction creates a payment transaction and returns its id
func (s *PostgresStore) InsertPaymentTransaction(ctx context.Context, tx *models.PaymentTransaction) (int, error) {
	query := `
		INSERT INTO payment_transactions (
			company_id, site_id, charger_id, driver_id, session_id, amount,
			status, payment_status, external_intent_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`

	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	var id int
	err := s.pool.QueryRow(ctx, query,
		tx.CompanyID, tx.SiteID, tx.ChargerID, tx.DriverID, tx.SessionID, tx.Amount,
		tx.Status, tx.PaymentStatus, tx.ExternalIntentID, tx.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	tx.ID = id
	return id, nil
}

const paymentTransactionSelect = `
	SELECT id, company_id, site_id, charger_id, driver_id, session_id, amount,
		status, payment_status, external_intent_id, created_at, updated_at
	FROM payment_transactions`

func (s *PostgresStore) scanPaymentTransaction(row pgx.Row) (*models.PaymentTransaction, error) {
	tx := &models.PaymentTransaction{}
	err := row.Scan(
		&tx.ID, &tx.CompanyID, &tx.SiteID, &tx.ChargerID, &tx.DriverID, &tx.SessionID,
		&tx.Amount, &tx.Status, &tx.PaymentStatus, &tx.ExternalIntentID,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetPaymentTransaction retrieves a payment transaction by id
func (s *PostgresStore) GetPaymentTransaction(ctx context.Context, id int) (*models.PaymentTransaction, bool, error) {
	tx, err := s.scanPaymentTransaction(s.pool.QueryRow(ctx, paymentTransactionSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// GetPaymentTransactionByIntent retrieves a payment transaction by the
// gateway's external intent id
func (s *PostgresStore) GetPaymentTransactionByIntent(ctx context.Context, intentID string) (*models.PaymentTransaction, bool, error) {
	tx, err := s.scanPaymentTransaction(s.pool.QueryRow(ctx, paymentTransactionSelect+` WHERE external_intent_id = $1`, intentID))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// GetLatestPaymentTransactionForSession retrieves the newest transaction
// linked to a session
func (s *PostgresStore) GetLatestPaymentTransactionForSession(ctx context.Context, sessionID int) (*models.PaymentTransaction, bool, error) {
	query := paymentTransactionSelect + ` WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	tx, err := s.scanPaymentTransaction(s.pool.QueryRow(ctx, query, sessionID))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// UpdatePaymentTransaction applies a partial update to a payment transaction
func (s *PostgresStore) UpdatePaymentTransaction(ctx context.Context, id int, update models.PaymentTransactionUpdate) error {
	set := "updated_at = $1"
	args := []interface{}{time.Now()}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set += fmt.Sprintf(", %s = $%d", column, len(args))
	}

	if update.Amount != nil {
		add("amount", *update.Amount)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.PaymentStatus != nil {
		add("payment_status", *update.PaymentStatus)
	}
	if update.SessionID != nil {
		add("session_id", *update.SessionID)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE payment_transactions SET %s WHERE id = $%d", set, len(args))

	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// InsertEvent appends an audit event
func (s *PostgresStore) InsertEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (
			company_id, site_id, charger_id, connector_id, session_id, type, data, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		event.CompanyID, event.SiteID, event.ChargerID, event.ConnectorID,
		event.SessionID, event.Type, event.Data, event.Timestamp,
	)
	return err
}
