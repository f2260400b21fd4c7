package speech

import "time"

// Quality 选择合成音质与延迟的取舍。
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`   // 声音类型
	Speed     float32 `json:"speed"`   // 语速倍率 0.5-2.0
	Volume    float32 `json:"volume"`  // 音量 0.0-1.0
	Quality   Quality `json:"quality"` // standard / high
	Format    string  `json:"format"`  // mp3, ogg_opus, pcm
	Language  string  `json:"language"`
}

// TTSResponse 语音合成响应
type TTSResponse struct {
	SessionID string    `json:"sessionId"`
	AudioData []byte    `json:"-"`
	Duration  int64     `json:"duration"` // milliseconds
	Format    string    `json:"format"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentType returns the MIME type matching the audio format.
func (r *TTSResponse) ContentType() string {
	switch r.Format {
	case "ogg_opus", "ogg":
		return "audio/ogg"
	case "pcm":
		return "audio/L16"
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}
