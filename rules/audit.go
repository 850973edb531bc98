package rules

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// AuditSink receives one entry per rule examined and one aggregate entry per
// completed evaluation. Both calls are fire-and-forget from the engine's
// point of view: they must not block the evaluation and their failures must
// never surface as evaluation failures.
type AuditSink interface {
	LogRuleHit(entry *RuleLog)
	LogEvaluation(entry *EvaluationLog)
}

// AuditWriter persists audit entries. Implementations may fail; the sink
// swallows and reports those failures locally.
type AuditWriter interface {
	WriteRuleHit(entry *RuleLog) error
	WriteEvaluation(entry *EvaluationLog) error
}

// NopSink discards all audit entries. Used in tests and when auditing is
// disabled.
type NopSink struct{}

func (NopSink) LogRuleHit(*RuleLog)          {}
func (NopSink) LogEvaluation(*EvaluationLog) {}

// DefaultAuditQueueSize bounds the async audit queue when no size is
// configured.
const DefaultAuditQueueSize = 1024

type auditEntry struct {
	ruleHit    *RuleLog
	evaluation *EvaluationLog
}

// AsyncSink decouples audit persistence from the evaluation critical path:
// entries go onto a bounded channel drained by a single writer goroutine.
// When the queue is full the entry is dropped and counted rather than
// blocking the evaluation, so audit volume cannot grow unbounded under load.
type AsyncSink struct {
	writer  AuditWriter
	queue   chan auditEntry
	dropped atomic.Int64
	onDrop  func()

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink starts the writer goroutine. queueSize <= 0 selects
// DefaultAuditQueueSize. onDrop, if non-nil, is invoked once per dropped
// entry (used to feed the drop counter metric).
func NewAsyncSink(writer AuditWriter, queueSize int, onDrop func()) *AsyncSink {
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}
	s := &AsyncSink{
		writer: writer,
		queue:  make(chan auditEntry, queueSize),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) LogRuleHit(entry *RuleLog) {
	s.enqueue(auditEntry{ruleHit: entry})
}

func (s *AsyncSink) LogEvaluation(entry *EvaluationLog) {
	s.enqueue(auditEntry{evaluation: entry})
}

func (s *AsyncSink) enqueue(e auditEntry) {
	// The read lock keeps Close from closing the channel between the
	// closed check and the send, so a late producer drops instead of
	// panicking.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop("audit sink closed, entry dropped")
		return
	}
	select {
	case s.queue <- e:
	default:
		s.drop("audit queue full, entry dropped")
	}
}

func (s *AsyncSink) drop(reason string) {
	n := s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
	slog.Warn(reason, "dropped_total", n)
}

// Dropped returns the number of entries discarded because the queue was
// full.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting entries and drains what is already queued.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.queue)
		<-s.done
	})
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		var err error
		switch {
		case e.ruleHit != nil:
			err = s.writer.WriteRuleHit(e.ruleHit)
		case e.evaluation != nil:
			err = s.writer.WriteEvaluation(e.evaluation)
		}
		if err != nil {
			// Swallowed: an audit failure never reaches the evaluation.
			slog.Error("audit write failed", "error", err)
		}
	}
}
