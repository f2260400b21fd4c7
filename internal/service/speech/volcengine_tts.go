package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
)

const volcengineTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// VolcengineTTSClient 火山引擎单向流式 TTS 客户端
type VolcengineTTSClient struct {
	config *speech.SpeechConfig
	dialer *websocket.Dialer
	url    string
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
}

// NewVolcengineTTSClient 创建火山引擎TTS客户端
func NewVolcengineTTSClient(config *speech.SpeechConfig) *VolcengineTTSClient {
	timeout := 30 * time.Second
	if config != nil && config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	return &VolcengineTTSClient{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
		url:    volcengineTTSURL,
	}
}

// Name implements Synthesizer.
func (c *VolcengineTTSClient) Name() string { return "volcengine" }

// Synthesize 依次尝试候选音色与资源 ID，资源不匹配时换下一个组合。
func (c *VolcengineTTSClient) Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	encoding := normalizeFormat(req.Format)
	speakers := resolveTTSSpeakerCandidates(req.Voice, c.config.TTSVoice)
	var lastMismatch error

	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveTTSResourceCandidates(speaker) {
			resp, attemptErr := c.synthesizeWithResource(ctx, req, appKey, accessKey, speaker, encoding, resourceID)
			if attemptErr == nil {
				if resourceIdx > 0 || speakerIdx > 0 {
					log.Printf("[tts] voice %s succeeded with fallback resource %s", speaker, resourceID)
				}
				return resp, nil
			}
			if !errors.Is(attemptErr, errResourceMismatch) {
				return nil, attemptErr
			}
			log.Printf("[tts] voice %s resource %s mismatch", speaker, resourceID)
			lastMismatch = attemptErr
		}
	}

	if lastMismatch != nil {
		return nil, lastMismatch
	}
	return nil, fmt.Errorf("TTS synthesis failed: no compatible resource for voices %v", speakers)
}

func (c *VolcengineTTSClient) synthesizeWithResource(
	ctx context.Context,
	req *speech.TTSRequest,
	appKey, accessKey, speaker, encoding, resourceID string,
) (*speech.TTSResponse, error) {
	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[tts] connected with logid: %s", logid)
		}
	}

	// ctx 取消时关闭连接以打断阻塞的读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ttsReq := c.buildTTSRequest(req, speaker, encoding)
	payload, err := json.Marshal(ttsReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(NewFullClientRequest(payload))); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode TTS message: %w", err)
		}

		payload, err := frame.PlainPayload()
		if err != nil {
			return nil, fmt.Errorf("failed to decompress TTS payload: %w", err)
		}

		switch frame.Header.MessageType {
		case ErrorMessage:
			if strings.Contains(string(payload), errResourceMismatch.Error()) {
				return nil, fmt.Errorf("%w: %s", errResourceMismatch, payload)
			}
			return nil, fmt.Errorf("TTS error %d: %s", frame.ErrorCode, payload)

		case AudioOnlyServerResponse:
			audio.Write(payload)

		case FullServerResponse:
			var serverResp ttsServerMessage
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &serverResp); err != nil {
					log.Printf("[tts] failed to unmarshal response payload: %v", err)
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 {
						if strings.Contains(serverResp.Message, errResourceMismatch.Error()) {
							return nil, fmt.Errorf("%w: %s", errResourceMismatch, serverResp.Message)
						}
						return nil, fmt.Errorf("TTS API error %d: %s", serverResp.Code, serverResp.Message)
					}
					if serverResp.ReqID != "" {
						reqID = serverResp.ReqID
					}
					if ms, err := strconv.ParseInt(serverResp.Addition.Duration, 10, 64); err == nil {
						duration = ms
					}
					if serverResp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
						if err != nil {
							return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := frame.hasEvent() && frame.EventType == EventTypeSessionFinished
			if finished || frame.IsLastPacket() || serverResp.Sequence < 0 {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("TTS audio is empty")
				}
				if reqID == "" {
					reqID = connectID
				}
				return &speech.TTSResponse{
					SessionID: req.SessionID,
					AudioData: audio.Bytes(),
					Duration:  duration,
					Format:    encoding,
					RequestID: reqID,
					CreatedAt: time.Now(),
				}, nil
			}

		default:
			log.Printf("[tts] unexpected message type: %d", frame.Header.MessageType)
		}
	}
}

// buildTTSRequest 构建符合火山引擎API格式的TTS请求
func (c *VolcengineTTSClient) buildTTSRequest(req *speech.TTSRequest, speaker, encoding string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	ttsReq.User.UID = strings.TrimSpace(req.SessionID)
	if ttsReq.User.UID == "" {
		ttsReq.User.UID = uuid.New().String()
	}

	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text
	ttsReq.ReqParams.AudioParams.Format = encoding
	ttsReq.ReqParams.AudioParams.SampleRate = sampleRateFor(req.Quality)
	ttsReq.ReqParams.AudioParams.EnableTimestamp = true

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		ttsReq.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		ttsReq.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.TTSLanguage)
	}
	ttsReq.ReqParams.Language = language
	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`

	return ttsReq
}

func sampleRateFor(q speech.Quality) int {
	if q == speech.QualityHigh {
		return 24000
	}
	return 16000
}

func normalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "ogg_opus", "pcm":
		return f
	default:
		// wav 不被单向流接口支持，统一回落到 mp3
		return "mp3"
	}
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "neptune", "mercury", "pluto", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

// voiceAliases 角色 ID 到音色的映射，角色未配置 VoiceID 时使用。
var voiceAliases = map[string]string{
	"strict-interviewer": "zh_male_M392_conversation_wvae_bigtts",
	"grumpy-landlord":    "zh_male_aojiaobazong_emo_v2_mars_bigtts",
	"anxious-customer":   "zh_female_gaolengyujie_emo_v2_mars_bigtts",
	"narrator":           "zh_female_vv_uranus_bigtts",
	"en_default":         "en_female_amy_jupiter_bigtts",
}

// NormalizeVoiceAlias 把角色别名转换为实际音色，未知值原样返回。
func NormalizeVoiceAlias(voice string) string {
	voice = strings.TrimSpace(voice)
	if mapped, ok := voiceAliases[strings.ToLower(voice)]; ok {
		return mapped
	}
	return voice
}

func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = NormalizeVoiceAlias(s)
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	if len(candidates) == 0 {
		// 让服务端使用默认音色
		return []string{""}
	}
	return candidates
}
