/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, attached to every log line
  2. RealIP:     Client address behind the gateway
  3. Logger:     One structured zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Request deadline, propagated to the store through ctx
  6. CORS:       Admin dashboard origins

ROUTE GROUPS:
  /bookings/*          Booking lifecycle
  /users/{id}/wallet   Wallet read model (also /agencies, /wallets)
  /refund-policies/*   Refund policy CRUD
  /admin/*             Operational triggers
  /scenarios/*         Demo data (only when enabled)
  /healthz             Liveness and store reachability

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RequestTimeout bounds every request, including its store transaction.
const RequestTimeout = 30 * time.Second

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS; defaults to any origin.
	AllowedOrigins []string
	// Scenarios mounts the demo scenario routes.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	// Booking routes
	r.Route("/bookings", func(r chi.Router) {
		r.Get("/", h.ListBookings)
		r.Post("/", h.CreateBooking)
		r.Get("/{id}", h.GetBooking)
		r.Put("/{id}/cancel", h.CancelBooking)
		r.Post("/confirm-suspended/{holdId}", h.ConfirmSuspended)
		r.Post("/reject-suspended/{holdId}", h.RejectSuspended)
	})

	// Wallet routes
	r.Get("/users/{id}/wallet", h.GetUserWallet)
	r.Get("/agencies/{id}/wallet", h.GetAgencyWallet)
	r.Route("/wallets", func(r chi.Router) {
		r.Get("/{id}", h.GetWallet)
		r.Post("/{id}/transactions", h.CreateWalletTransaction)
	})

	// Refund policy routes
	r.Route("/refund-policies", func(r chi.Router) {
		r.Get("/", h.ListPolicies)
		r.Post("/", h.CreatePolicy)
		r.Get("/{id}", h.GetPolicy)
		r.Delete("/{id}", h.DeletePolicy)
	})

	// Admin routes
	r.Route("/admin", func(r chi.Router) {
		r.Post("/complete-departed", h.CompleteDeparted)
	})

	if opts.Scenarios {
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	}

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
