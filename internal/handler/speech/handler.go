package speech

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	speechsvc "github.com/zhouzirui/tavern-stage/internal/service/speech"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// SpeechService 抽象语音业务，便于测试与替换实现
type SpeechService interface {
	Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error)
}

// AudioSource 按引用读取已合成的音频
type AudioSource interface {
	Await(ctx context.Context, ref string) (*speech.TTSResponse, error)
}

const audioWaitTimeout = 30 * time.Second

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc    SpeechService
	audio        AudioSource
	personaStore persona.Store
}

// New 创建语音处理器
func New(speechSvc SpeechService, audio AudioSource, personaStore persona.Store) *Handler {
	return &Handler{
		speechSvc:    speechSvc,
		audio:        audio,
		personaStore: personaStore,
	}
}

type synthesizeRequest struct {
	speech.TTSRequest
	PersonaID string `json:"personaId,omitempty"`
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		// TTS 端点
		speechRouter.Post("/synthesize", h.handleSynthesize)
		speechRouter.Post("/synthesize/{sessionID}", h.handleSynthesizeWithSession)

		// 健康检查
		speechRouter.Get("/health", h.handleHealth)
	})

	// 会话台词的音频
	r.Get("/audio/{ref}", h.handleAudio)
}

// handleSynthesize 处理文本转语音请求
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	h.processSynthesize(w, r, "")
}

// handleSynthesizeWithSession 处理带会话ID的文本转语音请求
func (h *Handler) handleSynthesizeWithSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	h.processSynthesize(w, r, sessionID)
}

func (h *Handler) processSynthesize(w http.ResponseWriter, r *http.Request, overrideSessionID string) {
	if h.speechSvc == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech synthesis unavailable")
		return
	}

	var payload synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := payload.TTSRequest

	if overrideSessionID != "" {
		req.SessionID = overrideSessionID
	}

	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	if req.SessionID == "" {
		req.SessionID = "default"
	}

	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = h.resolveVoice(payload.PersonaID)
	}

	resp, err := h.speechSvc.Synthesize(r.Context(), &req)
	if errors.Is(err, speechsvc.ErrDisabled) {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech synthesis unavailable")
		return
	}
	if err != nil {
		log.Printf("[speech] TTS error: %v", err)
		utils.RespondError(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}

	if len(resp.AudioData) == 0 {
		utils.RespondJSON(w, http.StatusOK, resp)
		return
	}
	writeAudio(w, resp, true)
}

// handleAudio 返回台词音频，合成未完成时等待
func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	if h.audio == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "audio store unavailable")
		return
	}
	ref := chi.URLParam(r, "ref")

	ctx, cancel := context.WithTimeout(r.Context(), audioWaitTimeout)
	defer cancel()

	resp, err := h.audio.Await(ctx, ref)
	switch {
	case errors.Is(err, speechsvc.ErrAudioNotFound):
		utils.RespondError(w, http.StatusNotFound, "audio not found")
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		utils.RespondError(w, http.StatusGatewayTimeout, "audio not ready")
		return
	case err != nil:
		log.Printf("[speech] audio %s unavailable: %v", ref, err)
		utils.RespondError(w, http.StatusBadGateway, "speech synthesis failed")
		return
	case resp == nil || len(resp.AudioData) == 0:
		utils.RespondError(w, http.StatusBadGateway, "empty audio")
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=3600")
	writeAudio(w, resp, false)
}

func (h *Handler) resolveVoice(personaID string) string {
	personaID = strings.TrimSpace(personaID)
	if h.personaStore == nil || personaID == "" {
		return ""
	}

	personaObj, ok := h.personaStore.FindByID(personaID)
	if !ok {
		return ""
	}

	return speechsvc.NormalizeVoiceAlias(personaObj.VoiceID)
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if h.speechSvc == nil {
		status = "disabled"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": "speech",
	})
}

func writeAudio(w http.ResponseWriter, resp *speech.TTSResponse, attachment bool) {
	w.Header().Set("Content-Type", resp.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.AudioData)))
	if attachment {
		format := resp.Format
		if format == "" {
			format = "mp3"
		}
		w.Header().Set("Content-Disposition", "attachment; filename=speech."+format)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.AudioData); err != nil {
		log.Printf("failed to write audio response: %v", err)
	}
}
