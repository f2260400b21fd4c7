package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/sashabaranov/go-openai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server       ServerConfig
	AI           AIConfig
	Speech       SpeechConfig
	Storage      StorageConfig
	Persona      PersonaConfig
	Conversation ConversationConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	conversation, err := loadConversationConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:       server,
		AI:           ai,
		Speech:       speech,
		Storage:      storage,
		Persona:      loadPersonaConfig(),
		Conversation: conversation,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey        string
	AccessKey     string
	SecretKey     string
	BaseURL       string
	Region        string
	OpenAIKey     string
	OpenAIBaseURL string
	DefaultModel  string
	CatalogPath   string
	Temperature   *float64
	TopP          *float64
	MaxTokens     *int
}

// ArkEnabled 表示是否提供了 Ark 所需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

// OpenAIEnabled 表示是否提供了 OpenAI 兼容接口的密钥。
func (c AIConfig) OpenAIEnabled() bool {
	return c.OpenAIKey != ""
}

// NewArkChatModel 使用配置为指定模型创建一个 Ark 模型实例。
func (c AIConfig) NewArkChatModel(ctx context.Context, modelID string) (model.ChatModel, error) {
	if !c.ArkEnabled() || modelID == "" {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + 模型 或 AK/SK 组合")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       modelID,
		MaxTokens:   c.MaxTokens,
		Temperature: toFloat32(c.Temperature),
		TopP:        toFloat32(c.TopP),
	}

	return ark.NewChatModel(ctx, cfg)
}

// NewOpenAIClient 创建 OpenAI 兼容接口客户端。
func (c AIConfig) NewOpenAIClient() (*openai.Client, error) {
	if !c.OpenAIEnabled() {
		return nil, fmt.Errorf("OPENAI_API_KEY is not configured")
	}
	clientCfg := openai.DefaultConfig(c.OpenAIKey)
	if c.OpenAIBaseURL != "" {
		clientCfg.BaseURL = c.OpenAIBaseURL
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		OpenAIKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		DefaultModel:  strings.TrimSpace(os.Getenv("AI_DEFAULT_MODEL")),
		CatalogPath:   strings.TrimSpace(os.Getenv("MODELS_FILE")),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	Provider    string
	AppID       string
	AccessToken string
	APIKey      string
	Region      string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	PollyRegion string
	PollyVoice  string
	PollyEngine string
	Timeout     int
	Enabled     bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	// 解析超时设置
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	provider := strings.ToLower(getEnvOrDefault("SPEECH_PROVIDER", "volcengine"))

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = apiKey
	}

	var enabled bool
	switch provider {
	case "volcengine":
		enabled = appID != "" && accessToken != ""
	case "polly":
		// Polly 走 AWS 默认凭证链，只要显式选择即视为启用。
		enabled = true
	case "none", "off":
		enabled = false
	default:
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_PROVIDER value %q", provider)
	}

	return SpeechConfig{
		Provider:    provider,
		AppID:       appID,
		AccessToken: accessToken,
		APIKey:      apiKey,
		Region:      getEnvOrDefault("SPEECH_REGION", "cn-beijing"),
		TTSVoice:    getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:    ttsSpeed,
		TTSVolume:   ttsVolume,
		TTSLanguage: getEnvOrDefault("SPEECH_TTS_LANGUAGE", "zh-CN"),
		PollyRegion: getEnvOrDefault("POLLY_REGION", getEnvOrDefault("AWS_REGION", "us-east-1")),
		PollyVoice:  getEnvOrDefault("POLLY_VOICE", "Zhiyu"),
		PollyEngine: getEnvOrDefault("POLLY_ENGINE", "neural"),
		Timeout:     timeoutSeconds,
		Enabled:     enabled,
	}, nil
}

// StorageConfig 描述会话快照的存储后端。
type StorageConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	SQLitePath    string
}

func loadStorageConfig() (StorageConfig, error) {
	redisDB, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return StorageConfig{}, err
	}
	db := 0
	if redisDB != nil {
		db = *redisDB
	}

	ttl, err := parseDurationEnv("REDIS_TTL", 7*24*time.Hour)
	if err != nil {
		return StorageConfig{}, err
	}

	driver := strings.ToLower(getEnvOrDefault("HISTORY_STORE", "memory"))
	switch driver {
	case "memory", "redis", "sqlite":
	default:
		return StorageConfig{}, fmt.Errorf("invalid HISTORY_STORE value %q", driver)
	}

	return StorageConfig{
		Driver:        driver,
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:       db,
		RedisTTL:      ttl,
		SQLitePath:    getEnvOrDefault("SQLITE_PATH", "tavern-stage.db"),
	}, nil
}

// PersonaConfig 描述角色库来源。
type PersonaConfig struct {
	Source      string
	SupabaseURL string
	SupabaseKey string
	Table       string
}

func loadPersonaConfig() PersonaConfig {
	return PersonaConfig{
		Source:      strings.ToLower(getEnvOrDefault("PERSONA_STORE", "memory")),
		SupabaseURL: strings.TrimSpace(os.Getenv("SUPABASE_URL")),
		SupabaseKey: strings.TrimSpace(os.Getenv("SUPABASE_KEY")),
		Table:       getEnvOrDefault("SUPABASE_CHARACTER_TABLE", "characters"),
	}
}

// ConversationConfig 控制回合编排的节奏与重试策略。
type ConversationConfig struct {
	SettleDelay       time.Duration
	RetryAttempts     int
	RetryInitialDelay time.Duration
	PlaybackMode      string
	PlaybackDelay     time.Duration
}

func loadConversationConfig() (ConversationConfig, error) {
	settle, err := parseDurationEnv("DIRECTOR_SETTLE_DELAY", 1500*time.Millisecond)
	if err != nil {
		return ConversationConfig{}, err
	}

	attempts := 3
	if override, err := parseOptionalIntEnv("CHAT_RETRY_ATTEMPTS"); err != nil {
		return ConversationConfig{}, err
	} else if override != nil {
		if *override < 1 {
			attempts = 1
		} else {
			attempts = *override
		}
	}

	initialDelay, err := parseDurationEnv("CHAT_RETRY_DELAY", time.Second)
	if err != nil {
		return ConversationConfig{}, err
	}

	playbackDelay, err := parseDurationEnv("TTS_PLAYBACK_DELAY", 2*time.Second)
	if err != nil {
		return ConversationConfig{}, err
	}

	return ConversationConfig{
		SettleDelay:       settle,
		RetryAttempts:     attempts,
		RetryInitialDelay: initialDelay,
		PlaybackMode:      strings.ToLower(getEnvOrDefault("TTS_PLAYBACK_MODE", "immediate")),
		PlaybackDelay:     playbackDelay,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按毫秒处理，兼容前端习惯的 delayMs 写法。
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
