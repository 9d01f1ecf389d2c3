package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/handler/auth"
	"github.com/uzdabrazor/chatparty/internal/handler/ws"
	middlewarePkg "github.com/uzdabrazor/chatparty/internal/middleware"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/service/driver"
	"github.com/uzdabrazor/chatparty/internal/service/history"
	"github.com/uzdabrazor/chatparty/internal/session"
	"github.com/uzdabrazor/chatparty/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg *config.Config, sessions *session.Store, registry *relay.Registry, sender *relay.Sender, drv *driver.Driver, transcript *history.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	authHandler := auth.New(sessions, cfg.Auth, registry)
	wsHandler := ws.New(sessions, registry, sender, drv, transcript, cfg.Auth.Required())

	r.Route("/api", func(api chi.Router) {
		authHandler.RegisterRoutes(api)

		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":      "ok",
				"connections": registry.Count(),
			})
		})
	})

	// The websocket endpoint sits at the root so clients connect to /ws
	// directly, token in the query string.
	wsHandler.RegisterRoutes(r)

	return r
}
