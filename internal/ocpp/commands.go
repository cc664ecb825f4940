package ocpp

import (
	"context"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Typed wrappers for the server-initiated half of the protocol. Each sends
// one call over the session and decodes the confirmation.

func (s *Session) Reset(ctx context.Context, resetType core.ResetType) (*core.ResetConfirmation, error) {
	req := core.NewResetRequest(resetType)
	conf := &core.ResetConfirmation{}
	if err := s.Call(ctx, core.ResetFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) ChangeConfiguration(ctx context.Context, key, value string) (*core.ChangeConfigurationConfirmation, error) {
	req := core.NewChangeConfigurationRequest(key, value)
	conf := &core.ChangeConfigurationConfirmation{}
	if err := s.Call(ctx, core.ChangeConfigurationFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// GetConfiguration with no keys asks for the charge point's full
// configuration.
func (s *Session) GetConfiguration(ctx context.Context, keys []string) (*core.GetConfigurationConfirmation, error) {
	req := core.NewGetConfigurationRequest(keys)
	conf := &core.GetConfigurationConfirmation{}
	if err := s.Call(ctx, core.GetConfigurationFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) UnlockConnector(ctx context.Context, connectorID int) (*core.UnlockConnectorConfirmation, error) {
	req := core.NewUnlockConnectorRequest(connectorID)
	conf := &core.UnlockConnectorConfirmation{}
	if err := s.Call(ctx, core.UnlockConnectorFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) ChangeAvailability(ctx context.Context, connectorID int, availability core.AvailabilityType) (*core.ChangeAvailabilityConfirmation, error) {
	req := core.NewChangeAvailabilityRequest(connectorID, availability)
	conf := &core.ChangeAvailabilityConfirmation{}
	if err := s.Call(ctx, core.ChangeAvailabilityFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) RemoteStartTransaction(ctx context.Context, idTag string, connectorID *int) (*core.RemoteStartTransactionConfirmation, error) {
	req := core.NewRemoteStartTransactionRequest(idTag)
	req.ConnectorId = connectorID
	conf := &core.RemoteStartTransactionConfirmation{}
	if err := s.Call(ctx, core.RemoteStartTransactionFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) RemoteStopTransaction(ctx context.Context, transactionID int) (*core.RemoteStopTransactionConfirmation, error) {
	req := core.NewRemoteStopTransactionRequest(transactionID)
	conf := &core.RemoteStopTransactionConfirmation{}
	if err := s.Call(ctx, core.RemoteStopTransactionFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) SetChargingProfile(ctx context.Context, connectorID int, profile *types.ChargingProfile) (*smartcharging.SetChargingProfileConfirmation, error) {
	req := smartcharging.NewSetChargingProfileRequest(connectorID, profile)
	conf := &smartcharging.SetChargingProfileConfirmation{}
	if err := s.Call(ctx, smartcharging.SetChargingProfileFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) ReserveNow(ctx context.Context, connectorID int, expiry *types.DateTime, idTag string, reservationID int) (*reservation.ReserveNowConfirmation, error) {
	req := reservation.NewReserveNowRequest(connectorID, expiry, idTag, reservationID)
	conf := &reservation.ReserveNowConfirmation{}
	if err := s.Call(ctx, reservation.ReserveNowFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) CancelReservation(ctx context.Context, reservationID int) (*reservation.CancelReservationConfirmation, error) {
	req := reservation.NewCancelReservationRequest(reservationID)
	conf := &reservation.CancelReservationConfirmation{}
	if err := s.Call(ctx, reservation.CancelReservationFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (s *Session) TriggerMessage(ctx context.Context, requested remotetrigger.MessageTrigger, connectorID *int) (*remotetrigger.TriggerMessageConfirmation, error) {
	req := remotetrigger.NewTriggerMessageRequest(requested)
	req.ConnectorId = connectorID
	conf := &remotetrigger.TriggerMessageConfirmation{}
	if err := s.Call(ctx, remotetrigger.TriggerMessageFeatureName, req, conf); err != nil {
		return nil, err
	}
	return conf, nil
}
