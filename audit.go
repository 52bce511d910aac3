package abac

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/abac/logger"
)

// AuditSink persists audit records.
type AuditSink interface {
	LogDecision(ctx context.Context, rec *AuditRecord) error
}

// AuditQuerier is implemented by sinks that can read the trail back.
type AuditQuerier interface {
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}

// AuditorStats counts what happened to submitted records.
type AuditorStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Auditor moves audit records off the decision path. Submit never blocks: when the
// buffer is full the record is dropped and logged. A single worker writes to the sink,
// retrying with exponential backoff.
type Auditor struct {
	sink       AuditSink
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan *AuditRecord
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAuditor(sink AuditSink, buffer, maxRetries int, backoff time.Duration, l logger.Logger) *Auditor {
	if buffer <= 0 {
		buffer = 1024
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	a := &Auditor{
		sink:       sink,
		logger:     logger.OrDefault(l),
		maxRetries: maxRetries,
		backoff:    backoff,
		ch:         make(chan *AuditRecord, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Submit queues rec and reports whether it was accepted.
func (a *Auditor) Submit(rec *AuditRecord) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.ch <- rec:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Error("audit buffer full, record dropped", "audit_id", rec.ID, "subject", rec.Request.SubjectID)
		return false
	}
}

func (a *Auditor) run() {
	defer a.wg.Done()
	for rec := range a.ch {
		a.write(rec)
	}
}

func (a *Auditor) write(rec *AuditRecord) {
	delay := a.backoff
	var err error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = a.sink.LogDecision(context.Background(), rec); err == nil {
			a.written.Add(1)
			return
		}
	}
	a.failed.Add(1)
	a.logger.Error("audit write failed", "audit_id", rec.ID, "attempts", a.maxRetries+1, "error", err)
}

// Close stops accepting records and waits until the buffer is drained or ctx is done.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Auditor) Stats() AuditorStats {
	return AuditorStats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
	}
}
