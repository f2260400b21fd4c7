package speech

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
)

// ErrSynthesisRejected 服务端拒绝了输入（文本过长、SSML 非法等），不应重试。
var ErrSynthesisRejected = errors.New("synthesis rejected")

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures the Amazon Polly backend.
type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

// PollyClient synthesizes speech with Amazon Polly.
type PollyClient struct {
	mu     sync.Mutex
	client synthClient
	cfg    PollyConfig
}

// NewPollyClient creates a client that loads AWS credentials lazily on first use.
func NewPollyClient(cfg PollyConfig) *PollyClient {
	return newPollyClient(cfg, nil)
}

func newPollyClient(cfg PollyConfig, client synthClient) *PollyClient {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Zhiyu"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &PollyClient{client: client, cfg: cfg}
}

// Name implements Synthesizer.
func (p *PollyClient) Name() string { return "polly" }

// Synthesize implements Synthesizer.
func (p *PollyClient) Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	text, textType := pollyText(req.Text, req.Speed)
	sampleRate := "22050"
	if req.Quality != speech.QualityHigh {
		sampleRate = "16000"
	}

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     textType,
		VoiceId:      pollytypes.VoiceId(p.voiceFor(req.Voice)),
	})
	if err != nil {
		return nil, normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, fmt.Errorf("%w: polly returned no audio", ai.ErrServiceError)
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("%w: read polly audio: %v", ai.ErrNetworkFailure, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: polly audio is empty", ai.ErrServiceError)
	}

	return &speech.TTSResponse{
		SessionID: req.SessionID,
		AudioData: audio,
		Format:    "mp3",
		CreatedAt: time.Now(),
	}, nil
}

// voiceFor 火山音色 ID 对 Polly 无意义，带下划线的一律换成默认音色。
func (p *PollyClient) voiceFor(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || strings.Contains(requested, "_") || strings.Contains(requested, "-") {
		return p.cfg.VoiceID
	}
	return requested
}

func pollyText(text string, speed float32) (string, pollytypes.TextType) {
	if speed <= 0 || speed == 1 {
		return text, pollytypes.TextTypeText
	}
	rate := fmt.Sprintf("%d%%", int(speed*100))
	return fmt.Sprintf(`<speak><prosody rate="%s">%s</prosody></speak>`, rate, html.EscapeString(text)), pollytypes.TextTypeSsml
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: polly timeout: %v", ai.ErrNetworkFailure, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return fmt.Errorf("%w: %s: %s", ErrSynthesisRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
		default:
			return fmt.Errorf("%w: polly %s: %s", ai.ErrServiceError, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}

	return fmt.Errorf("%w: polly transport: %v", ai.ErrNetworkFailure, err)
}

func (p *PollyClient) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
