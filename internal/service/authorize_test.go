package service

import (
	"context"
	"testing"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

func testChargePoint() *models.ChargePoint {
	return &models.ChargePoint{ID: 1, CompanyID: 10, SiteID: 20, Name: "CP-1", Enabled: true}
}

func TestAuthorizeUnknownCard(t *testing.T) {
	auth := NewAuthorizer(db.NewMemoryStore())

	status := auth.Authorize(context.Background(), "NOPE", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusInvalid, status)
}

func TestAuthorizeEmptyIdTag(t *testing.T) {
	auth := NewAuthorizer(db.NewMemoryStore())

	status := auth.Authorize(context.Background(), "", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusInvalid, status)
}

func TestAuthorizeDisabledCard(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddRFIDCard(models.RFIDCard{ID: "TAG1", CompanyID: 10, DriverID: 5, Enabled: false})
	auth := NewAuthorizer(store)

	status := auth.Authorize(context.Background(), "TAG1", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusBlocked, status)
}

func TestAuthorizeSitePermission(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddRFIDCard(models.RFIDCard{ID: "TAG1", CompanyID: 10, DriverID: 5, Enabled: true})
	auth := NewAuthorizer(store)

	// No permission record means access is allowed.
	status := auth.Authorize(context.Background(), "TAG1", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusAccepted, status)

	// A disabled record blocks the driver at this site.
	store.AddSitePermission(models.SitePermission{DriverID: 5, SiteID: 20, CompanyID: 10, Enabled: false})
	status = auth.Authorize(context.Background(), "TAG1", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusBlocked, status)

	store.AddSitePermission(models.SitePermission{DriverID: 5, SiteID: 20, CompanyID: 10, Enabled: true})
	status = auth.Authorize(context.Background(), "TAG1", testChargePoint())
	assert.Equal(t, types.AuthorizationStatusAccepted, status)
}

func TestResolveDriver(t *testing.T) {
	store := db.NewMemoryStore()
	tariffID := 3
	store.AddRFIDCard(models.RFIDCard{ID: "TAG1", CompanyID: 10, DriverID: 5, Enabled: true})
	store.AddDriver(models.Driver{ID: 5, CompanyID: 10, TariffID: &tariffID, Enabled: true})
	auth := NewAuthorizer(store)

	driverID, gotTariffID := auth.ResolveDriver(context.Background(), "TAG1")
	if assert.NotNil(t, driverID) {
		assert.Equal(t, 5, *driverID)
	}
	if assert.NotNil(t, gotTariffID) {
		assert.Equal(t, 3, *gotTariffID)
	}

	driverID, gotTariffID = auth.ResolveDriver(context.Background(), "UNKNOWN")
	assert.Nil(t, driverID)
	assert.Nil(t, gotTariffID)
}

func TestResolveDriverDisabled(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddRFIDCard(models.RFIDCard{ID: "TAG1", CompanyID: 10, DriverID: 5, Enabled: true})
	store.AddDriver(models.Driver{ID: 5, CompanyID: 10, Enabled: false})
	auth := NewAuthorizer(store)

	driverID, tariffID := auth.ResolveDriver(context.Background(), "TAG1")
	assert.Nil(t, driverID)
	assert.Nil(t, tariffID)
}
