package speech

// SpeechConfig 语音服务配置
type SpeechConfig struct {
	// Volcengine 配置
	AppID       string `json:"appId"`            // 火山引擎 APP ID
	AccessToken string `json:"accessToken"`      // 火山引擎 Access Token
	APIKey      string `json:"apiKey,omitempty"` // 兼容旧配置的 API Key
	Region      string `json:"region"`

	// TTS 默认参数
	TTSVoice    string  `json:"ttsVoice"`
	TTSSpeed    float32 `json:"ttsSpeed"`
	TTSVolume   float32 `json:"ttsVolume"`
	TTSLanguage string  `json:"ttsLanguage"`

	Timeout int `json:"timeout"` // seconds
}
