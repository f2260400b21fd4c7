package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tavern-stage/internal/handler/chat"
	"github.com/zhouzirui/tavern-stage/internal/handler/persona"
	"github.com/zhouzirui/tavern-stage/internal/handler/speech"
	"github.com/zhouzirui/tavern-stage/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/tavern-stage/internal/middleware"
	personaModel "github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/service/session"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// Services 路由依赖的核心服务，语音相关字段可以为 nil。
type Services struct {
	Personas personaModel.Store
	Sessions *session.Registry
	Models   chat.ModelCatalog
	Speech   speech.SpeechService
	Audio    speech.AudioSource
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	personaHandler := persona.New(svc.Personas)
	chatHandler := chat.New(svc.Sessions, svc.Models)
	streamHandler := stream.New(svc.Sessions)
	speechHandler := speech.New(svc.Speech, svc.Audio, svc.Personas)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": svc.Sessions.Len(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		speechHandler.RegisterRoutes(api)
	})

	return r
}
