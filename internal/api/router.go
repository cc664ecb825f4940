package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/voltgrid/csms/internal/api/handlers"
	"github.com/voltgrid/csms/internal/api/middleware"
	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/ocpp"
	"github.com/voltgrid/csms/internal/service"
)

// API handles the API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new API server
func NewAPI(registry *ocpp.Registry, store db.Store, tracker *service.Tracker, payments *service.PaymentSync) *API {
	router := chi.NewRouter()
	handler := handlers.NewHandler(registry, store, tracker, payments)

	// Setup middleware
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.ContentType)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Setup routes
	router.Route("/api/v1", func(r chi.Router) {
		// Charge Point routes
		r.Route("/chargepoints", func(r chi.Router) {
			r.Get("/", handler.GetChargePoints)
			r.Get("/{name}", handler.GetChargePoint)
			r.Get("/{name}/connectors", handler.GetConnectors)
			r.Delete("/{name}/connection", handler.ForceDisconnect)

			// OCPP commands
			r.Post("/{name}/reset", handler.Reset)
			r.Post("/{name}/availability", handler.ChangeAvailability)
			r.Post("/{name}/unlock", handler.UnlockConnector)
			r.Post("/{name}/starttransaction", handler.RemoteStartTransaction)
			r.Post("/{name}/stoptransaction", handler.RemoteStopTransaction)
			r.Post("/{name}/heartbeat", handler.TriggerHeartbeat)
			r.Post("/{name}/configuration", handler.GetConfiguration)
			r.Put("/{name}/configuration", handler.ChangeConfiguration)
			r.Post("/{name}/chargingprofile", handler.SetChargingProfile)
			r.Post("/{name}/reservations", handler.ReserveNow)
			r.Delete("/{name}/reservations", handler.CancelReservation)
		})

		// Charge session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{id}", handler.GetSession)
			r.Get("/{id}/billing", handler.GetSessionBilling)
			r.Get("/{id}/energy", handler.GetSessionEnergy)
			r.Get("/{id}/timeline", handler.GetSessionTimeline)
			r.Get("/{id}/maxpower", handler.GetSessionMaxPower)
		})

		// Payment provider callbacks
		r.Post("/payments/webhook", handler.PaymentWebhook)
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
