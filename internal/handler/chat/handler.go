package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
	"github.com/zhouzirui/tavern-stage/internal/service/session"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// ModelCatalog 列出可用模型。
type ModelCatalog interface {
	Models() []ai.ModelProfile
	DefaultModel() string
}

// Handler 会话相关的HTTP处理器
type Handler struct {
	sessions *session.Registry
	models   ModelCatalog
}

// New 创建会话处理器
func New(sessions *session.Registry, models ModelCatalog) *Handler {
	return &Handler{
		sessions: sessions,
		models:   models,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleListModels)

	r.Post("/sessions", h.handleCreateSession)
	r.Route("/sessions/{sessionID}", func(sr chi.Router) {
		sr.Get("/", h.handleGetSession)
		sr.Delete("/", h.handleLeave)
		sr.Post("/resume", h.handleResume)
		sr.Post("/messages", h.handleSubmit)
		sr.Post("/messages/{messageID}/play", h.handlePlay)
		sr.Post("/mediation", h.handleMediate)
		sr.Post("/retry", h.handleRetry)
		sr.Post("/pause", h.handlePause)
		sr.Post("/resume-play", h.handleResumePlay)
		sr.Post("/end", h.handleEnd)
		sr.Post("/restart", h.handleRestart)
		sr.Post("/evaluation", h.handleEvaluate)
	})
}

type contentPayload struct {
	Content string `json:"content"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, _ *http.Request) {
	if h.models == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat service unavailable")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"default": h.models.DefaultModel(),
		"models":  h.models.Models(),
	})
}

// handleCreateSession 创建并启动会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.PersonaIDs) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "personaIds is required")
		return
	}

	live, err := h.sessions.Create(r.Context(), payload)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, live.Orchestrator.Snapshot())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.sessions.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	live, err := h.sessions.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, live.Orchestrator.Snapshot())
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Leave(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit 对戏模式下提交用户台词
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	live, ok := h.live(w, r)
	if !ok {
		return
	}
	var payload contentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := live.Orchestrator.Submit(r.Context(), payload.Content)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

// handleMediate 导演模式下插入导演提示
func (h *Handler) handleMediate(w http.ResponseWriter, r *http.Request) {
	live, ok := h.live(w, r)
	if !ok {
		return
	}
	var payload contentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := live.Orchestrator.Mediate(payload.Content)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	live, ok := h.live(w, r)
	if !ok {
		return
	}
	if err := live.Orchestrator.Play(chi.URLParam(r, "messageID")); err != nil {
		respondServiceError(w, err)
		return
	}
	h.respondState(w, live)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(live *session.Live) error { return live.Orchestrator.Retry(r.Context()) })
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(live *session.Live) error { return live.Orchestrator.Pause() })
}

func (h *Handler) handleResumePlay(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(live *session.Live) error { return live.Orchestrator.Resume() })
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(live *session.Live) error { return live.Orchestrator.End(r.Context()) })
}

// handleRestart 清空会话后重新开场
func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(live *session.Live) error {
		if err := live.Orchestrator.Restart(r.Context()); err != nil {
			return err
		}
		return live.Orchestrator.Start(r.Context())
	})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	live, ok := h.live(w, r)
	if !ok {
		return
	}
	result, err := live.Orchestrator.Evaluate(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(*session.Live) error) {
	live, ok := h.live(w, r)
	if !ok {
		return
	}
	if err := fn(live); err != nil {
		respondServiceError(w, err)
		return
	}
	h.respondState(w, live)
}

func (h *Handler) live(w http.ResponseWriter, r *http.Request) (*session.Live, bool) {
	live, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return nil, false
	}
	return live, true
}

func (h *Handler) respondState(w http.ResponseWriter, live *session.Live) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": live.Orchestrator.ID(),
		"state":     live.Orchestrator.State(),
		"turn":      live.Orchestrator.Turn(),
	})
}

// respondServiceError 把领域错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrPrecondition):
		utils.RespondErrorCode(w, http.StatusConflict, "precondition_violation", err.Error())
	case errors.Is(err, session.ErrNotFound):
		utils.RespondErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, conversation.ErrEmptyInput),
		errors.Is(err, conversation.ErrInvalidConfig),
		errors.Is(err, session.ErrPersonaNotFound),
		errors.Is(err, ai.ErrUnknownModel):
		utils.RespondErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		log.Printf("[chat] request failed: %v", err)
		utils.RespondErrorCode(w, http.StatusInternalServerError, ai.Code(err), "internal error")
	}
}
