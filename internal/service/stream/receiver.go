// Package stream turns a chat stream into chunk/complete/error callbacks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
)

// Callbacks 接收流式事件。OnComplete 与 OnError 互斥且最多各调用一次。
type Callbacks struct {
	OnChunk    func(delta string)
	OnComplete func(full string)
	OnError    func(err error)
}

// Handle controls a running receiver.
type Handle struct {
	cancelled atomic.Bool
	finished  bool
	cancel    context.CancelFunc
	reader    *schema.StreamReader[*schema.Message]
	done      chan struct{}
	closeOnce sync.Once
}

// Receive starts consuming reader on a new goroutine.
func Receive(ctx context.Context, reader *schema.StreamReader[*schema.Message], cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		reader: reader,
		done:   make(chan struct{}),
	}

	go h.run(ctx, cb)
	return h
}

// Cancel stops delivery: callbacks not yet started when Cancel is called
// never run, and Done closes without waiting for the reader. Safe to call
// from inside a callback and more than once.
//
// A Recv already blocked on the upstream is not interrupted; the reader is
// closed once that Recv returns. Callers release it by also cancelling the
// context of the request that produced the stream.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Done is closed when the callback loop exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type recvResult struct {
	chunk *schema.Message
	err   error
}

func (h *Handle) run(ctx context.Context, cb Callbacks) {
	defer close(h.done)
	defer h.cancel()

	results := make(chan recvResult)
	go h.pump(ctx, results)

	var full strings.Builder
	for {
		var res recvResult
		select {
		case <-ctx.Done():
			return
		case res = <-results:
		}

		chunk, err := res.chunk, res.err
		if errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return
			}
			text := full.String()
			if strings.TrimSpace(text) == "" {
				h.fail(cb, fmt.Errorf("%w: stream ended without text", ai.ErrMalformedResponse))
				return
			}
			h.finish(func() {
				if cb.OnComplete != nil {
					cb.OnComplete(text)
				}
			})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.fail(cb, ai.Classify(err))
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		delivered := h.deliver(func() {
			if cb.OnChunk != nil {
				cb.OnChunk(chunk.Content)
			}
		})
		if !delivered {
			return
		}
	}
}

// pump 独占 reader：Recv 与 Close 都只在这里调用。
func (h *Handle) pump(ctx context.Context, out chan<- recvResult) {
	defer h.closeReader()
	for {
		chunk, err := h.reader.Recv()
		select {
		case out <- recvResult{chunk: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// 回调只在接收 goroutine 中串行执行，finished 无需加锁。
func (h *Handle) deliver(fn func()) bool {
	if h.cancelled.Load() || h.finished {
		return false
	}
	fn()
	return true
}

func (h *Handle) finish(fn func()) {
	if h.cancelled.Load() || h.finished {
		return
	}
	h.finished = true
	fn()
}

func (h *Handle) fail(cb Callbacks, err error) {
	h.finish(func() {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
}

func (h *Handle) closeReader() {
	h.closeOnce.Do(func() {
		if h.reader != nil {
			h.reader.Close()
		}
	})
}
