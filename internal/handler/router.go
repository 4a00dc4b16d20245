package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/memochat/backend/internal/handler/chat"
	"github.com/zhouzirui/memochat/backend/internal/handler/socket"
	"github.com/zhouzirui/memochat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/memochat/backend/internal/middleware"
	chatService "github.com/zhouzirui/memochat/backend/internal/service/chat"
	"github.com/zhouzirui/memochat/backend/pkg/utils"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "memochat"

// Pinger reports whether the long-term store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router's cross-cutting middleware.
type Options struct {
	CORSOrigins []string
	RateLimiter *middlewarePkg.RateLimiter
}

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, store Pinger, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.CORSOrigins))

	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(store))

	chatHandler := chat.New(chatSvc)
	streamHandler := stream.New(chatSvc)
	wsHandler := socket.NewWebSocketHandler(chatSvc)

	register := func(router chi.Router) {
		router.Group(func(limited chi.Router) {
			if opts.RateLimiter != nil {
				limited.Use(opts.RateLimiter.Middleware)
			}
			chatHandler.RegisterRoutes(limited)
			streamHandler.RegisterRoutes(limited)
		})
		wsHandler.RegisterWebSocketRoutes(router)
	}

	// Top-level paths, also served under /api.
	register(r)
	r.Route("/api", func(api chi.Router) {
		register(api)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

func handleReady(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			log.Printf("[ready] memory store unreachable: %v", err)
			utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
