package stream

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-stage/internal/service/session"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// EventSnapshot 连接建立后推送的首个事件，包含完整会话。
const EventSnapshot = "snapshot"

const defaultHeartbeat = 15 * time.Second

// Handler 通过SSE向前端推送会话事件
type Handler struct {
	sessions  *session.Registry
	heartbeat time.Duration
}

// New creates a new stream handler
func New(sessions *session.Registry) *Handler {
	return &Handler{sessions: sessions, heartbeat: defaultHeartbeat}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	live, err := h.sessions.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := live.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening event stream for session=%s", sessionID)

	if err := utils.SendSSEEvent(w, flusher, EventSnapshot, live.Orchestrator.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing event stream for session=%s", sessionID)
			return
		case evt, ok := <-events:
			if !ok {
				log.Printf("[sse] session=%s closed, ending stream", sessionID)
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(evt.Kind), evt); err != nil {
				log.Printf("[sse] write failed for session=%s: %v", sessionID, err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
