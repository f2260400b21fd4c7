package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	speechmodel "github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
)

type fakePolly struct {
	input *polly.SynthesizeSpeechInput
	audio []byte
	err   error
}

func (f *fakePolly) SynthesizeSpeech(_ context.Context, params *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

func TestPollySynthesize(t *testing.T) {
	fake := &fakePolly{audio: []byte("mp3")}
	p := newPollyClient(PollyConfig{}, fake)

	resp, err := p.Synthesize(context.Background(), &speechmodel.TTSRequest{
		SessionID: "s1",
		Text:      "你好",
		Voice:     "zh_male_M392_conversation_wvae_bigtts",
		Quality:   speechmodel.QualityHigh,
	})
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if string(resp.AudioData) != "mp3" || resp.Format != "mp3" || resp.SessionID != "s1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fake.input.VoiceId != pollytypes.VoiceId("Zhiyu") {
		t.Fatalf("volcengine voice should fall back to default, got %s", fake.input.VoiceId)
	}
	if *fake.input.SampleRate != "22050" || fake.input.TextType != pollytypes.TextTypeText {
		t.Fatalf("unexpected input: %+v", fake.input)
	}
}

func TestPollySpeedUsesSSML(t *testing.T) {
	fake := &fakePolly{audio: []byte("mp3")}
	p := newPollyClient(PollyConfig{VoiceID: "Joanna"}, fake)

	if _, err := p.Synthesize(context.Background(), &speechmodel.TTSRequest{Text: "a < b", Speed: 1.5, Voice: "Matthew"}); err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if fake.input.TextType != pollytypes.TextTypeSsml {
		t.Fatalf("expected ssml text type, got %s", fake.input.TextType)
	}
	if !strings.Contains(*fake.input.Text, `rate="150%"`) || !strings.Contains(*fake.input.Text, "a &lt; b") {
		t.Fatalf("unexpected ssml: %s", *fake.input.Text)
	}
	if fake.input.VoiceId != pollytypes.VoiceId("Matthew") {
		t.Fatalf("explicit polly voice should be kept, got %s", fake.input.VoiceId)
	}
}

func TestPollyErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"client", &smithy.GenericAPIError{Code: "TextLengthExceededException", Message: "too long"}, ErrSynthesisRejected},
		{"throttle", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, ai.ErrServiceError},
		{"deadline", context.DeadlineExceeded, ai.ErrNetworkFailure},
		{"transport", errors.New("dial tcp: refused"), ai.ErrNetworkFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPollyClient(PollyConfig{}, &fakePolly{err: tc.err})
			_, err := p.Synthesize(context.Background(), &speechmodel.TTSRequest{Text: "hi"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}
