package service

import (
	"context"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

// Authorizer decides whether an RFID tag may be used at a given charger.
// It always yields a terminal status; persistence failures degrade to
// Invalid for the affected check instead of propagating.
type Authorizer struct {
	store db.Store
}

// NewAuthorizer creates a new authorization service
func NewAuthorizer(store db.Store) *Authorizer {
	return &Authorizer{store: store}
}

// Authorize evaluates an idTag against the card registry and the charger's
// site permissions. The default with no permission record is Accepted.
func (a *Authorizer) Authorize(ctx context.Context, idTag string, cp *models.ChargePoint) types.AuthorizationStatus {
	if idTag == "" {
		logrus.WithField("chargePoint", cp.Name).Info("Authorization rejected: no idTag provided")
		return types.AuthorizationStatusInvalid
	}

	card, found, err := a.store.GetRFIDCard(ctx, idTag)
	if err != nil {
		logrus.WithError(err).WithField("idTag", idTag).Error("Failed to look up RFID card")
		return types.AuthorizationStatusInvalid
	}
	if !found {
		logrus.WithFields(logrus.Fields{
			"chargePoint": cp.Name,
			"idTag":       idTag,
		}).Info("Authorization rejected: RFID card unknown")
		return types.AuthorizationStatusInvalid
	}
	if !card.Enabled {
		logrus.WithFields(logrus.Fields{
			"chargePoint": cp.Name,
			"idTag":       idTag,
		}).Info("Authorization rejected: RFID card disabled")
		return types.AuthorizationStatusBlocked
	}

	perm, found, err := a.store.GetSitePermission(ctx, card.DriverID, cp.SiteID, cp.CompanyID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"driverID": card.DriverID,
			"siteID":   cp.SiteID,
		}).Error("Failed to look up site permission")
		return types.AuthorizationStatusInvalid
	}
	if found && !perm.Enabled {
		logrus.WithFields(logrus.Fields{
			"chargePoint": cp.Name,
			"idTag":       idTag,
			"driverID":    card.DriverID,
		}).Info("Authorization rejected: driver not permitted at site")
		return types.AuthorizationStatusBlocked
	}

	return types.AuthorizationStatusAccepted
}

// ResolveDriver looks up the driver and tariff behind an idTag. Used by
// StartTransaction to attach billing information to a new session; any
// miss returns nils rather than an error so session creation never blocks
// on billing metadata.
func (a *Authorizer) ResolveDriver(ctx context.Context, idTag string) (driverID, tariffID *int) {
	card, found, err := a.store.GetRFIDCard(ctx, idTag)
	if err != nil || !found || !card.Enabled {
		return nil, nil
	}

	driver, found, err := a.store.GetDriver(ctx, card.DriverID)
	if err != nil || !found || !driver.Enabled {
		return nil, nil
	}

	id := driver.ID
	return &id, driver.TariffID
}
