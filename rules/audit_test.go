package rules

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memoryWriter collects entries for assertions.
type memoryWriter struct {
	mu          sync.Mutex
	ruleHits    []*RuleLog
	evaluations []*EvaluationLog
	failWith    error
}

func (w *memoryWriter) WriteRuleHit(entry *RuleLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.ruleHits = append(w.ruleHits, entry)
	return nil
}

func (w *memoryWriter) WriteEvaluation(entry *EvaluationLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.evaluations = append(w.evaluations, entry)
	return nil
}

func (w *memoryWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ruleHits), len(w.evaluations)
}

// blockingWriter parks on a gate so tests can fill the queue deterministically.
type blockingWriter struct {
	started chan struct{}
	gate    chan struct{}
	written atomic.Int64
}

func (w *blockingWriter) WriteRuleHit(*RuleLog) error {
	w.started <- struct{}{}
	<-w.gate
	w.written.Add(1)
	return nil
}

func (w *blockingWriter) WriteEvaluation(*EvaluationLog) error {
	w.written.Add(1)
	return nil
}

func TestAsyncSinkDeliversEntries(t *testing.T) {
	writer := &memoryWriter{}
	sink := NewAsyncSink(writer, 16, nil)

	for i := 0; i < 5; i++ {
		sink.LogRuleHit(&RuleLog{ID: "hit", Matched: true})
	}
	sink.LogEvaluation(&EvaluationLog{ID: "agg", Decision: DecisionAllowed})
	sink.Close()

	hits, evals := writer.counts()
	if hits != 5 || evals != 1 {
		t.Errorf("delivered = (%d, %d), want (5, 1)", hits, evals)
	}
	if sink.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", sink.Dropped())
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	writer := &blockingWriter{
		started: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	var drops atomic.Int64
	sink := NewAsyncSink(writer, 1, func() { drops.Add(1) })

	// First entry occupies the writer, second fills the one-slot queue, the
	// rest must be dropped without blocking.
	sink.LogRuleHit(&RuleLog{ID: "1"})
	<-writer.started
	sink.LogRuleHit(&RuleLog{ID: "2"})

	done := make(chan struct{})
	go func() {
		sink.LogRuleHit(&RuleLog{ID: "3"})
		sink.LogRuleHit(&RuleLog{ID: "4"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	if got := sink.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := drops.Load(); got != 2 {
		t.Errorf("onDrop calls = %d, want 2", got)
	}

	close(writer.gate)
	sink.Close()
	if got := writer.written.Load(); got != 2 {
		t.Errorf("written = %d, want 2", got)
	}
}

func TestAsyncSinkSwallowsWriterFailures(t *testing.T) {
	writer := &memoryWriter{failWith: errors.New("disk full")}
	sink := NewAsyncSink(writer, 4, nil)

	// Must not panic or block.
	sink.LogRuleHit(&RuleLog{ID: "1"})
	sink.LogEvaluation(&EvaluationLog{ID: "2"})
	sink.Close()

	if sink.Dropped() != 0 {
		t.Errorf("writer failures are not drops, Dropped() = %d", sink.Dropped())
	}
}

func TestAsyncSinkCloseDrains(t *testing.T) {
	writer := &memoryWriter{}
	sink := NewAsyncSink(writer, 64, nil)

	for i := 0; i < 50; i++ {
		sink.LogRuleHit(&RuleLog{ID: "x"})
	}
	sink.Close()

	hits, _ := writer.counts()
	if hits != 50 {
		t.Errorf("drained = %d, want 50", hits)
	}
}

func TestAsyncSinkDropsAfterClose(t *testing.T) {
	writer := &memoryWriter{}
	sink := NewAsyncSink(writer, 16, nil)
	sink.Close()

	// A producer racing shutdown must not panic mid-evaluation; late
	// entries are dropped and counted.
	sink.LogRuleHit(&RuleLog{ID: "late-hit"})
	sink.LogEvaluation(&EvaluationLog{ID: "late-eval"})

	if got := sink.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	hits, evals := writer.counts()
	if hits != 0 || evals != 0 {
		t.Errorf("written after close: hits=%d evals=%d, want 0", hits, evals)
	}
}

func TestAsyncSinkCloseIdempotent(t *testing.T) {
	sink := NewAsyncSink(&memoryWriter{}, 4, nil)
	sink.Close()
	sink.Close()
}

func TestAsyncSinkDefaultQueueSize(t *testing.T) {
	sink := NewAsyncSink(&memoryWriter{}, 0, nil)
	defer sink.Close()

	if cap(sink.queue) != DefaultAuditQueueSize {
		t.Errorf("queue capacity = %d, want %d", cap(sink.queue), DefaultAuditQueueSize)
	}
}
