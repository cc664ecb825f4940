package ocpp

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
)

// Application-level close codes sent when a connection is refused after the
// websocket upgrade.
const (
	CloseUnknownChargePoint  = 4001
	CloseChargePointDisabled = 4002
	CloseInternalError       = 4003
)

// Subprotocol is the websocket subprotocol required by OCPP 1.6J.
const Subprotocol = "ocpp1.6"

// Server accepts OCPP websocket connections and hands them to the registry
// as sessions.
type Server struct {
	store       db.Store
	registry    *Registry
	router      *Router
	callTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewServer creates a new OCPP websocket server
func NewServer(store db.Store, registry *Registry, router *Router, callTimeout time.Duration) *Server {
	return &Server{
		store:       store,
		registry:    registry,
		router:      router,
		callTimeout: callTimeout,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			// Charge points do not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades an OCPP connection for the charge point
// identity in the URL path. Connections that do not offer the ocpp1.6
// subprotocol are refused before the upgrade; unknown or disabled
// identities are refused after it with an application close code, so the
// charge point sees a protocol-level reason rather than a dropped socket.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, chargePointName string) {
	log := logrus.WithField("chargePointID", chargePointName)

	if !offersSubprotocol(r) {
		log.Warn("Connection rejected: missing ocpp1.6 subprotocol")
		http.Error(w, "subprotocol ocpp1.6 required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	cp, found, err := s.store.GetChargePointByName(r.Context(), chargePointName)
	if err != nil {
		log.WithError(err).Error("Failed to look up charge point")
		closeWithCode(conn, CloseInternalError, "internal error")
		return
	}
	if !found {
		log.Warn("Connection rejected: unknown charge point")
		closeWithCode(conn, CloseUnknownChargePoint, "unknown charge point")
		return
	}
	if !cp.Enabled {
		log.Warn("Connection rejected: charge point disabled")
		closeWithCode(conn, CloseChargePointDisabled, "charge point disabled")
		return
	}

	// The close callback may run after this request's context is gone.
	session := NewSession(cp, conn, s.router, s.callTimeout, func(closed *Session) {
		s.registry.Unregister(context.Background(), closed)
	})
	s.registry.Register(r.Context(), session)
	session.Run(r.Context())
}

func offersSubprotocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == Subprotocol {
			return true
		}
	}
	return false
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
