package abac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/abac/logger"
)

const defaultDenyReason = "no policy fired (default deny)"

// Engine evaluates access requests against the snapshot served by its source.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	src         SnapshotSource
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	clock       func() time.Time

	sink         AuditSink
	auditor      *Auditor
	auditBuffer  int
	auditRetries int
	auditBackoff time.Duration

	cache         *ristretto.Cache
	cacheCounters int64
	cacheMaxCost  int64
	cacheTTL      time.Duration

	batchWorkers int

	total      atomic.Uint64
	permits    atomic.Uint64
	denies     atomic.Uint64
	errors     atomic.Uint64
	cacheHits  atomic.Uint64
	durationNs atomic.Int64
}

type EngineOption func(*Engine) error

// WithAuditSink sends one AuditRecord per evaluation to sink, asynchronously.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(e *Engine) error {
		e.sink = sink
		return nil
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock must not be nil")
		}
		e.clock = now
		return nil
	}
}

// WithDecisionCache enables the decision cache. Entries live for ttl and are keyed
// by request and snapshot revision, so a refresh never serves stale decisions.
func WithDecisionCache(numCounters, maxCost int64, ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("decision cache ttl must be positive")
		}
		e.cacheCounters, e.cacheMaxCost, e.cacheTTL = numCounters, maxCost, ttl
		return nil
	}
}

func WithAuditBuffer(size int) EngineOption {
	return func(e *Engine) error {
		e.auditBuffer = size
		return nil
	}
}

// WithAuditRetry retries a failing sink maxRetries times, doubling backoff each time.
func WithAuditRetry(maxRetries int, backoff time.Duration) EngineOption {
	return func(e *Engine) error {
		e.auditRetries, e.auditBackoff = maxRetries, backoff
		return nil
	}
}

func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		e.batchWorkers = n
		return nil
	}
}

func NewEngine(src SnapshotSource, opts ...EngineOption) (*Engine, error) {
	if src == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	e := &Engine{
		src:          src,
		clock:        time.Now,
		traceIDFunc:  uuid.NewString,
		auditRetries: 3,
		batchWorkers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.logger = logger.OrDefault(e.logger)
	if e.sink != nil {
		e.auditor = NewAuditor(e.sink, e.auditBuffer, e.auditRetries, e.auditBackoff, e.logger)
	}
	if e.cacheTTL > 0 {
		if e.cacheCounters <= 0 {
			e.cacheCounters = 1e5
		}
		if e.cacheMaxCost <= 0 {
			e.cacheMaxCost = 1e4
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: e.cacheCounters,
			MaxCost:     e.cacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create decision cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Snapshot returns the snapshot evaluations currently run against.
func (e *Engine) Snapshot() *Snapshot { return e.src.Snapshot() }

// Evaluate decides req. An error means no decision was reached and must be
// enforced as a denial by the caller.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	return e.run(ctx, req, false)
}

// Explain is Evaluate with per-rule condition evidence in the trace. It bypasses
// the decision cache.
func (e *Engine) Explain(ctx context.Context, req Request) (*Decision, error) {
	return e.run(ctx, req, true)
}

// Simulate evaluates req with draft overlaid on the current snapshot, replacing a
// policy of the same name. Nothing is stored, cached or audited.
func (e *Engine) Simulate(ctx context.Context, draft *Policy, req Request) (*Decision, error) {
	snap := e.src.Snapshot()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	overlay, err := snap.WithPolicy(draft)
	if err != nil {
		return nil, err
	}
	dec, _, err := e.decide(ctx, overlay, req, true)
	return dec, err
}

// Replay re-evaluates an audited request against the current snapshot and reports
// whether the outcome and primary policy still agree with the record.
func (e *Engine) Replay(ctx context.Context, rec *AuditRecord) (*Decision, bool, error) {
	if rec == nil || rec.Decision == nil {
		return nil, false, fmt.Errorf("audit record has no decision")
	}
	snap := e.src.Snapshot()
	if snap == nil {
		return nil, false, ErrNoSnapshot
	}
	dec, _, err := e.decide(ctx, snap, rec.Request, false)
	if err != nil {
		return nil, false, err
	}
	match := dec.Allowed == rec.Decision.Allowed && dec.PrimaryPolicyID == rec.Decision.PrimaryPolicyID
	return dec, match, nil
}

func (e *Engine) run(ctx context.Context, req Request, explain bool) (*Decision, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		err = timeoutError(err)
		e.record(nil, err, time.Since(start))
		e.audit(req, nil, nil, err)
		return nil, err
	}
	snap := e.src.Snapshot()
	if snap == nil {
		e.errors.Add(1)
		return nil, ErrNoSnapshot
	}

	var key string
	if e.cache != nil && !explain {
		key = decisionKey(req, snap.Revision)
		if v, ok := e.cache.Get(key); ok {
			if cached, ok := v.(*Decision); ok {
				dec := cached.Clone()
				e.cacheHits.Add(1)
				e.record(dec, nil, time.Since(start))
				e.logger.Debug("decision cache hit", "subject", req.SubjectID, "revision", int(snap.Revision))
				e.audit(req, nil, dec, nil)
				return dec, nil
			}
		}
	}

	dec, bag, err := e.decide(ctx, snap, req, explain)
	e.record(dec, err, time.Since(start))
	e.audit(req, bag, dec, err)
	if err != nil {
		return nil, err
	}
	if key != "" {
		e.cache.SetWithTTL(key, dec.Clone(), 1, e.cacheTTL)
	}
	return dec, nil
}

// decide runs resolution, candidate selection, policy evaluation and deny-overrides
// combination against snap.
func (e *Engine) decide(ctx context.Context, snap *Snapshot, req Request, explain bool) (*Decision, Bag, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, nil, timeoutError(err)
	}
	clock := e.clock()
	res, err := ResolveAt(snap, req, clock)
	if err != nil {
		return nil, nil, err
	}
	trace := EvaluationTrace{
		PerPolicy: []PolicyTrace{},
		Skipped:   []SkippedPolicy{},
		Issues:    make([]string, 0, len(res.Issues)),
		Revision:  snap.Revision,
	}
	for _, issue := range res.Issues {
		trace.Issues = append(trace.Issues, issue.Error())
		e.logger.Debug("attribute resolution issue", "subject", req.SubjectID, "issue", issue)
	}

	now := evaluationTime(res.Bag, clock)
	ev := &evaluator{ctx: ctx, bag: res.Bag, explain: explain}
	matched := []string{}
	var primaryDeny, primaryPermit *CompiledPolicy
	for _, cp := range snap.Policies.Candidates(req.ResourceType, req.Action) {
		if err := ctx.Err(); err != nil {
			return nil, res.Bag, timeoutError(err)
		}
		if !cp.P.EffectiveAt(now) {
			continue
		}
		if cp.Err != nil {
			trace.Skipped = append(trace.Skipped, e.skip(cp, cp.Err))
			continue
		}
		pt, fired, err := cp.evaluate(ev)
		if err != nil {
			if isFatal(err) {
				return nil, res.Bag, err
			}
			trace.Skipped = append(trace.Skipped, e.skip(cp, err))
			continue
		}
		trace.PerPolicy = append(trace.PerPolicy, pt)
		if !fired {
			continue
		}
		matched = append(matched, cp.P.Ident())
		if cp.P.Effect == EffectDeny && primaryDeny == nil {
			primaryDeny = cp
		}
		if cp.P.Effect == EffectPermit && primaryPermit == nil {
			primaryPermit = cp
		}
	}

	dec := &Decision{Effect: EffectDeny, MatchedPolicyIDs: matched, Reason: defaultDenyReason}
	switch {
	case primaryDeny != nil:
		dec.PrimaryPolicyID = primaryDeny.P.Ident()
		dec.Reason = fmt.Sprintf("denied by policy %s", primaryDeny.P.Name)
	case primaryPermit != nil:
		dec.Allowed = true
		dec.Effect = EffectPermit
		dec.PrimaryPolicyID = primaryPermit.P.Ident()
		dec.Reason = fmt.Sprintf("permitted by policy %s", primaryPermit.P.Name)
	}
	trace.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	dec.Trace = trace
	return dec, res.Bag, nil
}

func (e *Engine) skip(cp *CompiledPolicy, err error) SkippedPolicy {
	e.logger.Error("policy skipped", "policy_id", cp.P.Ident(), "policy", cp.P.Name, "error", err)
	return SkippedPolicy{PolicyID: cp.P.Ident(), Error: err.Error()}
}

func (e *Engine) record(dec *Decision, err error, d time.Duration) {
	e.total.Add(1)
	e.durationNs.Add(int64(d))
	switch {
	case err != nil:
		e.errors.Add(1)
	case dec.Allowed:
		e.permits.Add(1)
	default:
		e.denies.Add(1)
	}
}

func (e *Engine) audit(req Request, bag Bag, dec *Decision, err error) {
	traceID := ""
	if e.traceIDFunc != nil {
		traceID = e.traceIDFunc()
	}
	if err != nil {
		e.logger.Error("evaluation failed", "trace_id", traceID, "subject", req.SubjectID,
			"resource_type", req.ResourceType, "action", req.Action, "error", err)
	} else {
		e.logger.Info("audit decision", "trace_id", traceID, "subject", req.SubjectID,
			"resource_type", req.ResourceType, "action", req.Action, "allowed", dec.Allowed,
			"primary_policy", dec.PrimaryPolicyID, "reason", dec.Reason)
	}
	if e.auditor == nil {
		return
	}
	rec := &AuditRecord{
		ID:         uuid.NewString(),
		Timestamp:  e.clock().UTC(),
		TraceID:    traceID,
		Request:    req.Clone(),
		Attributes: Bag(cloneAttrs(bag)),
	}
	if dec != nil {
		rec.Decision = dec.Clone()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.auditor.Submit(rec)
}

// decisionKey hashes the canonical JSON of req. Map keys marshal in sorted order.
func decisionKey(req Request, revision uint64) string {
	b, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%d:%s", revision, hex.EncodeToString(sum[:]))
}

// Clone copies d deep enough that the copy can be mutated independently.
// Condition traces are shared; they are never modified after evaluation.
func (d *Decision) Clone() *Decision {
	out := *d
	out.MatchedPolicyIDs = append([]string{}, d.MatchedPolicyIDs...)
	out.Trace.PerPolicy = make([]PolicyTrace, len(d.Trace.PerPolicy))
	for i, pt := range d.Trace.PerPolicy {
		pt.FiredRules = append([]string{}, pt.FiredRules...)
		if pt.Rules != nil {
			pt.Rules = append([]RuleTrace(nil), pt.Rules...)
		}
		out.Trace.PerPolicy[i] = pt
	}
	out.Trace.Skipped = append([]SkippedPolicy{}, d.Trace.Skipped...)
	out.Trace.Issues = append([]string{}, d.Trace.Issues...)
	return &out
}

// ============================================================================
// BATCH
// ============================================================================

// BatchEvaluate evaluates reqs over a bounded worker pool. Decisions come back in
// request order; the first error encountered cancels the rest and is returned.
func (e *Engine) BatchEvaluate(ctx context.Context, reqs []Request) ([]*Decision, error) {
	out := make([]*Decision, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}
	workers := e.batchWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			dec, err := e.Evaluate(gctx, reqs[i])
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = dec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, timeoutError(err)
	}
	return out, nil
}

// ============================================================================
// AUDIT TRAIL & STATS
// ============================================================================

// AccessLog queries the audit trail. The sink must implement AuditQuerier.
func (e *Engine) AccessLog(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	q, ok := e.sink.(AuditQuerier)
	if !ok {
		return nil, ErrAuditQueryUnsupported
	}
	return q.GetAccessLog(ctx, filter)
}

// EngineStats are cumulative counters since the engine was created.
type EngineStats struct {
	TotalEvaluations  uint64       `json:"total_evaluations"`
	Permits           uint64       `json:"permits"`
	Denies            uint64       `json:"denies"`
	Errors            uint64       `json:"errors"`
	CacheHits         uint64       `json:"cache_hits"`
	AverageDurationMs float64      `json:"average_duration_ms"`
	Revision          uint64       `json:"revision"`
	Audit             AuditorStats `json:"audit"`
}

func (e *Engine) Stats() EngineStats {
	st := EngineStats{
		TotalEvaluations: e.total.Load(),
		Permits:          e.permits.Load(),
		Denies:           e.denies.Load(),
		Errors:           e.errors.Load(),
		CacheHits:        e.cacheHits.Load(),
	}
	if st.TotalEvaluations > 0 {
		st.AverageDurationMs = float64(e.durationNs.Load()) / float64(st.TotalEvaluations) / 1e6
	}
	if snap := e.src.Snapshot(); snap != nil {
		st.Revision = snap.Revision
	}
	if e.auditor != nil {
		st.Audit = e.auditor.Stats()
	}
	return st
}

// Close drains pending audit records and releases the decision cache.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.auditor != nil {
		err = e.auditor.Close(ctx)
	}
	if e.cache != nil {
		e.cache.Close()
	}
	return err
}
