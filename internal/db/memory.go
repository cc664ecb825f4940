package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltgrid/csms/internal/db/models"
)

// MemoryStore is an in-memory Store used by tests and the dev profile.
// Every operation is a self-contained critical section, matching the
// concurrency contract the engine expects from the persistence port.
type MemoryStore struct {
	mu sync.Mutex

	chargePoints map[int]*models.ChargePoint // by id
	connectors   map[[2]int]*models.Connector
	sessions     map[int]*models.ChargeSession
	samples      []*models.MeterSample
	cards        map[string]*models.RFIDCard
	drivers      map[int]*models.Driver
	permissions  map[[3]int]*models.SitePermission
	tariffs      map[int]*models.Tariff
	payments     map[int]*models.PaymentTransaction
	events       []*models.Event

	nextSampleID  int
	nextPaymentID int
	nextEventID   int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chargePoints: make(map[int]*models.ChargePoint),
		connectors:   make(map[[2]int]*models.Connector),
		sessions:     make(map[int]*models.ChargeSession),
		cards:        make(map[string]*models.RFIDCard),
		drivers:      make(map[int]*models.Driver),
		permissions:  make(map[[3]int]*models.SitePermission),
		tariffs:      make(map[int]*models.Tariff),
		payments:     make(map[int]*models.PaymentTransaction),
	}
}

// Seed helpers. These are not part of the Store interface; tests and the
// dev profile use them to load fixture records.

func (s *MemoryStore) AddChargePoint(cp models.ChargePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargePoints[cp.ID] = &cp
}

func (s *MemoryStore) AddRFIDCard(card models.RFIDCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = &card
}

func (s *MemoryStore) AddDriver(driver models.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driver.ID] = &driver
}

func (s *MemoryStore) AddSitePermission(perm models.SitePermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[[3]int{perm.DriverID, perm.SiteID, perm.CompanyID}] = &perm
}

func (s *MemoryStore) AddTariff(tariff models.Tariff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tariffs[tariff.ID] = &tariff
}

func (s *MemoryStore) GetChargePointByName(ctx context.Context, name string) (*models.ChargePoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.chargePoints {
		if cp.Name == name {
			copied := *cp
			return &copied, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) UpdateChargePointBoot(ctx context.Context, chargerID int, info models.BootInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.chargePoints[chargerID]
	if !ok {
		return nil
	}
	cp.Vendor = info.Vendor
	cp.Model = info.Model
	cp.SerialNumber = info.SerialNumber
	cp.FirmwareVersion = info.FirmwareVersion
	cp.MeterSerial = info.MeterSerial
	cp.MeterType = info.MeterType
	cp.LastConnect = time.Now()
	cp.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetChargePointConnected(ctx context.Context, chargerID int, connected bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.chargePoints[chargerID]
	if !ok {
		return nil
	}
	cp.IsConnected = connected
	if connected {
		cp.LastConnect = at
	} else {
		cp.LastDisconnect = at
	}
	cp.UpdatedAt = at
	return nil
}

func (s *MemoryStore) TouchHeartbeat(ctx context.Context, chargerID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.chargePoints[chargerID]
	if !ok {
		return nil
	}
	cp.LastHeartbeat = at
	cp.IsConnected = true
	cp.UpdatedAt = at
	return nil
}

func (s *MemoryStore) UpsertConnectorStatus(ctx context.Context, chargerID, connectorID int, status, errorCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int{chargerID, connectorID}
	now := time.Now()
	if c, ok := s.connectors[key]; ok {
		c.Status = status
		c.ErrorCode = errorCode
		c.UpdatedAt = now
		return nil
	}
	s.connectors[key] = &models.Connector{
		ChargerID:   chargerID,
		ConnectorID: connectorID,
		Status:      status,
		ErrorCode:   errorCode,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (s *MemoryStore) GetConnector(ctx context.Context, chargerID, connectorID int) (*models.Connector, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[[2]int{chargerID, connectorID}]
	if !ok {
		return nil, false, nil
	}
	copied := *c
	return &copied, true, nil
}

func (s *MemoryStore) ListConnectors(ctx context.Context, chargerID int) ([]*models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Connector
	for _, c := range s.connectors {
		if c.ChargerID == chargerID {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

func (s *MemoryStore) NextSessionID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for id := range s.sessions {
		if id > max {
			max = id
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) InsertSession(ctx context.Context, session *models.ChargeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	s.sessions[copied.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id int) (*models.ChargeSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	copied := *session
	return &copied, true, nil
}

func (s *MemoryStore) GetOpenSessionByConnector(ctx context.Context, chargerID, connectorID int) (*models.ChargeSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.ChargerID == chargerID && session.ConnectorID == connectorID && session.EndTime == nil {
			copied := *session
			return &copied, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, id int, update models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if update.EndTime != nil {
		t := *update.EndTime
		session.EndTime = &t
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.EnergyKWh != nil {
		session.EnergyKWh = *update.EnergyKWh
	}
	if update.DurationSeconds != nil {
		session.DurationSeconds = *update.DurationSeconds
	}
	if update.StopReason != nil {
		session.StopReason = *update.StopReason
	}
	if update.Cost != nil {
		session.Cost = *update.Cost
	}
	if update.PaymentTransactionID != nil {
		id := *update.PaymentTransactionID
		session.PaymentTransactionID = &id
	}
	if update.PaymentStatus != nil {
		session.PaymentStatus = *update.PaymentStatus
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) InsertMeterSample(ctx context.Context, sample *models.MeterSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sample
	s.nextSampleID++
	copied.ID = s.nextSampleID
	s.samples = append(s.samples, &copied)
	return nil
}

func (s *MemoryStore) ListMeterSamples(ctx context.Context, sessionID int) ([]*models.MeterSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MeterSample
	for _, sample := range s.samples {
		if sample.SessionID == sessionID {
			copied := *sample
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) GetRFIDCard(ctx context.Context, id string) (*models.RFIDCard, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok {
		return nil, false, nil
	}
	copied := *card
	return &copied, true, nil
}

func (s *MemoryStore) GetDriver(ctx context.Context, id int) (*models.Driver, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	driver, ok := s.drivers[id]
	if !ok {
		return nil, false, nil
	}
	copied := *driver
	return &copied, true, nil
}

func (s *MemoryStore) GetSitePermission(ctx context.Context, driverID, siteID, companyID int) (*models.SitePermission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.permissions[[3]int{driverID, siteID, companyID}]
	if !ok {
		return nil, false, nil
	}
	copied := *perm
	return &copied, true, nil
}

func (s *MemoryStore) GetTariff(ctx context.Context, id int) (*models.Tariff, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tariff, ok := s.tariffs[id]
	if !ok {
		return nil, false, nil
	}
	copied := *tariff
	return &copied, true, nil
}

func (s *MemoryStore) InsertPaymentTransaction(ctx context.Context, tx *models.PaymentTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tx
	s.nextPaymentID++
	copied.ID = s.nextPaymentID
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	s.payments[copied.ID] = &copied
	tx.ID = copied.ID
	return copied.ID, nil
}

func (s *MemoryStore) GetPaymentTransaction(ctx context.Context, id int) (*models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payments[id]
	if !ok {
		return nil, false, nil
	}
	copied := *tx
	return &copied, true, nil
}

func (s *MemoryStore) GetPaymentTransactionByIntent(ctx context.Context, intentID string) (*models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.payments {
		if tx.ExternalIntentID == intentID {
			copied := *tx
			return &copied, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) GetLatestPaymentTransactionForSession(ctx context.Context, sessionID int) (*models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PaymentTransaction
	for _, tx := range s.payments {
		if tx.SessionID == nil || *tx.SessionID != sessionID {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) ||
			(tx.CreatedAt.Equal(latest.CreatedAt) && tx.ID > latest.ID) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	copied := *latest
	return &copied, true, nil
}

func (s *MemoryStore) UpdatePaymentTransaction(ctx context.Context, id int, update models.PaymentTransactionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payments[id]
	if !ok {
		return nil
	}
	if update.Amount != nil {
		tx.Amount = *update.Amount
	}
	if update.Status != nil {
		tx.Status = *update.Status
	}
	if update.PaymentStatus != nil {
		tx.PaymentStatus = *update.PaymentStatus
	}
	if update.SessionID != nil {
		sid := *update.SessionID
		tx.SessionID = &sid
	}
	tx.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.nextEventID++
	copied.ID = s.nextEventID
	s.events = append(s.events, &copied)
	return nil
}
