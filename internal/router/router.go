package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/ledger/internal/config"
	"github.com/kiwari-pos/ledger/internal/handler"
	"github.com/kiwari-pos/ledger/internal/logger"
	mw "github.com/kiwari-pos/ledger/internal/middleware"
	"github.com/kiwari-pos/ledger/internal/ws"
	"go.uber.org/zap"
)

// Services are the ledger operations exposed over HTTP.
type Services struct {
	Commissions handler.CommissionServicer
	Settlements handler.SettlementServicer
	Queue       handler.QueueServicer
	Statements  handler.StatementBuilder
}

// New creates a Chi router with all application routes wired up.
// Every ledger route is authenticated and scoped to the {org} in its path.
func New(cfg *config.Config, svc Services, hub *ws.Hub, log *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws/orgs/{org}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, cfg.JWTSecret, w, r)
	})

	r.Route("/orgs/{org}", func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))
		r.Use(mw.RequireOrg)

		handler.NewCommissionHandler(svc.Commissions).RegisterRoutes(r)
		handler.NewSettlementHandler(svc.Settlements).RegisterRoutes(r)
		handler.NewQueueHandler(svc.Queue).RegisterRoutes(r)
		handler.NewStatementHandler(svc.Statements).RegisterRoutes(r)
	})

	log.Debug("router initialized")
	return r
}
