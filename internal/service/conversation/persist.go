package conversation

import (
	"context"
	"log"
	"sync"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/service/history"
)

// snapshotWriter applies snapshot writes and removals for one session off
// the orchestrator lock. Operations apply in submission order; a queued
// operation that has not started yet is replaced by a newer one, since
// only the latest state of the session matters.
type snapshotWriter struct {
	store history.Store
	id    string

	mu      sync.Mutex
	idle    *sync.Cond
	pending *snapshotOp
	running bool
}

type snapshotOp struct {
	session chat.Session
	remove  bool
}

func newSnapshotWriter(store history.Store, id string) *snapshotWriter {
	w := &snapshotWriter{store: store, id: id}
	w.idle = sync.NewCond(&w.mu)
	return w
}

func (w *snapshotWriter) save(session chat.Session) {
	w.enqueue(&snapshotOp{session: session})
}

func (w *snapshotWriter) remove() {
	w.enqueue(&snapshotOp{remove: true})
}

func (w *snapshotWriter) enqueue(op *snapshotOp) {
	if w == nil || w.store == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = op
	if w.running {
		return
	}
	w.running = true
	go w.loop()
}

func (w *snapshotWriter) loop() {
	for {
		w.mu.Lock()
		op := w.pending
		w.pending = nil
		if op == nil {
			w.running = false
			w.idle.Broadcast()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		w.apply(op)
	}
}

func (w *snapshotWriter) apply(op *snapshotOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if op.remove {
		if err := w.store.Remove(ctx, w.id); err != nil {
			log.Printf("[conversation] failed to remove snapshot for session=%s: %v", w.id, err)
		}
		return
	}
	if err := w.store.Snapshot(ctx, op.session); err != nil {
		log.Printf("[conversation] snapshot failed for session=%s: %v", w.id, err)
	}
}

// flush blocks until every submitted operation has been applied.
func (w *snapshotWriter) flush() {
	if w == nil {
		return
	}
	w.mu.Lock()
	for w.running {
		w.idle.Wait()
	}
	w.mu.Unlock()
}
