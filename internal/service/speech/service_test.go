package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	speechmodel "github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
)

type scriptedSynth struct {
	mu    sync.Mutex
	calls int
	errs  []error
	gate  chan struct{}
}

func (s *scriptedSynth) Name() string { return "scripted" }

func (s *scriptedSynth) Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return &speechmodel.TTSResponse{SessionID: req.SessionID, AudioData: []byte(req.Text), Format: "mp3"}, nil
}

func TestSpeakResolvesAfterSynthesis(t *testing.T) {
	synth := &scriptedSynth{gate: make(chan struct{})}
	svc := NewServiceWithSynthesizer(synth, nil, time.Second)

	ref, err := svc.Speak(speechmodel.TTSRequest{SessionID: "s1", Text: "台词"})
	if err != nil {
		t.Fatalf("Speak error: %v", err)
	}

	// 合成尚未完成时 Resolve 应阻塞
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Store().Resolve(ctx, ref); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected resolve to wait, got %v", err)
	}

	close(synth.gate)
	clip, err := svc.Store().Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if clip.URL != "/api/audio/"+ref {
		t.Fatalf("unexpected url %q", clip.URL)
	}

	resp, err := svc.Store().Await(context.Background(), ref)
	if err != nil || string(resp.AudioData) != "台词" {
		t.Fatalf("Await = %v, %v", resp, err)
	}
}

func TestSynthesizeRetriesTransientFailure(t *testing.T) {
	synth := &scriptedSynth{errs: []error{ai.ErrNetworkFailure}}
	svc := NewServiceWithSynthesizer(synth, nil, time.Second)
	svc.retry.InitialDelay = time.Millisecond

	if _, err := svc.Synthesize(context.Background(), &speechmodel.TTSRequest{Text: "hi"}); err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if synth.calls != 2 {
		t.Fatalf("expected a retry, got %d calls", synth.calls)
	}
}

func TestSynthesizeDoesNotRetryRejectedInput(t *testing.T) {
	synth := &scriptedSynth{errs: []error{ErrSynthesisRejected}}
	svc := NewServiceWithSynthesizer(synth, nil, time.Second)

	if _, err := svc.Synthesize(context.Background(), &speechmodel.TTSRequest{Text: "hi"}); !errors.Is(err, ErrSynthesisRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if synth.calls != 1 {
		t.Fatalf("rejected input was retried: %d calls", synth.calls)
	}
}

func TestSpeakFailureIsRecordedOnReference(t *testing.T) {
	synth := &scriptedSynth{errs: []error{ErrSynthesisRejected}}
	svc := NewServiceWithSynthesizer(synth, nil, time.Second)

	ref, err := svc.Speak(speechmodel.TTSRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Speak error: %v", err)
	}
	if _, err := svc.Store().Resolve(context.Background(), ref); !errors.Is(err, ErrSynthesisRejected) {
		t.Fatalf("expected failure on resolve, got %v", err)
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewServiceWithSynthesizer(nil, nil, 0)
	if svc.Enabled() {
		t.Fatal("service without backend should be disabled")
	}
	if _, err := svc.Speak(speechmodel.TTSRequest{Text: "hi"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestAudioStoreEvictsOldestFinished(t *testing.T) {
	store := NewAudioStore(2, "")
	first := store.Begin()
	store.Complete(first, &speechmodel.TTSResponse{}, nil)
	second := store.Begin()
	third := store.Begin()

	if store.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", store.Len())
	}
	if _, err := store.Await(context.Background(), first); !errors.Is(err, ErrAudioNotFound) {
		t.Fatalf("oldest finished entry should be evicted, got %v", err)
	}
	store.Complete(second, nil, errors.New("x"))
	store.Complete(third, &speechmodel.TTSResponse{}, nil)
	store.Complete(third, nil, errors.New("ignored"))
	if _, err := store.Await(context.Background(), third); err != nil {
		t.Fatalf("second Complete should be ignored, got %v", err)
	}
}
