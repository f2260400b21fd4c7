package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/tavern-stage/internal/config"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

var (
	// ErrEmptyText 合成文本为空。
	ErrEmptyText = errors.New("TTS text is empty")
	// ErrDisabled 未配置语音服务。
	ErrDisabled = errors.New("speech synthesis disabled")
)

// Synthesizer is one TTS backend.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error)
}

// Service 语音合成服务：选择后端、重试并把结果放进音频缓存。
type Service struct {
	synth   Synthesizer
	store   *AudioStore
	retry   utils.RetryPolicy
	timeout time.Duration
}

// NewService builds the configured backend. A disabled provider yields a
// service whose Speak calls fail with ErrDisabled.
func NewService(cfg config.SpeechConfig, store *AudioStore) *Service {
	var synth Synthesizer
	if cfg.Enabled {
		switch cfg.Provider {
		case "polly":
			synth = NewPollyClient(PollyConfig{
				Region:  cfg.PollyRegion,
				VoiceID: cfg.PollyVoice,
				Engine:  cfg.PollyEngine,
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			})
		default:
			synth = NewVolcengineTTSClient(&speech.SpeechConfig{
				AppID:       cfg.AppID,
				AccessToken: cfg.AccessToken,
				APIKey:      cfg.APIKey,
				Region:      cfg.Region,
				TTSVoice:    cfg.TTSVoice,
				TTSSpeed:    cfg.TTSSpeed,
				TTSVolume:   cfg.TTSVolume,
				TTSLanguage: cfg.TTSLanguage,
				Timeout:     cfg.Timeout,
			})
		}
	}
	return NewServiceWithSynthesizer(synth, store, time.Duration(cfg.Timeout)*time.Second)
}

// NewServiceWithSynthesizer wires an explicit backend. synth may be nil.
func NewServiceWithSynthesizer(synth Synthesizer, store *AudioStore, timeout time.Duration) *Service {
	if store == nil {
		store = NewAudioStore(0, "")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		synth:   synth,
		store:   store,
		timeout: timeout,
		retry: utils.RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: 500 * time.Millisecond,
			Retryable:    ai.IsRetryable,
		},
	}
}

// Enabled 表示是否有可用的合成后端。
func (s *Service) Enabled() bool {
	return s.synth != nil
}

// Store 返回音频缓存。
func (s *Service) Store() *AudioStore {
	return s.store
}

// Synthesize runs one synthesis with retries on transient failures.
func (s *Service) Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if s.synth == nil {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	return utils.Retry(ctx, s.retry, func(ctx context.Context) (*speech.TTSResponse, error) {
		resp, err := s.synth.Synthesize(ctx, req)
		if err != nil && !errors.Is(err, ErrSynthesisRejected) && !errors.Is(err, ErrMissingCredentials) {
			return nil, ai.Classify(err)
		}
		return resp, err
	})
}

// Speak starts synthesis in the background and returns the audio reference
// immediately. Failures are recorded on the reference, never returned here
// except when the service is disabled or the text is empty.
func (s *Service) Speak(req speech.TTSRequest) (string, error) {
	if s.synth == nil {
		return "", ErrDisabled
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyText
	}

	ref := s.store.Begin()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		resp, err := s.Synthesize(ctx, &req)
		if err != nil {
			log.Printf("[tts] synthesis failed for session=%s ref=%s via %s: %v", req.SessionID, ref, s.synth.Name(), err)
			err = fmt.Errorf("synthesis failed: %w", err)
		}
		s.store.Complete(ref, resp, err)
	}()
	return ref, nil
}
