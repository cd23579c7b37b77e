package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/logging"
	"github.com/meridianpay/riskengine/internal/metrics"
	"github.com/meridianpay/riskengine/internal/perf"
	"github.com/meridianpay/riskengine/internal/syncutil"
)

// Defaults for the orchestrator. Overridable via With* options.
const (
	DefaultDeadline   = 200 * time.Millisecond
	DefaultReplayTTL  = 10 * time.Minute
	defaultEnqueueCap = 250 * time.Millisecond
)

// Orchestrator runs all signal collectors concurrently under one deadline,
// aggregates their factors into a composite score, and derives the decision.
type Orchestrator struct {
	collectors []Collector
	store      Store
	reviews    ReviewQueue
	cache      cache.Cache
	monitor    *perf.Monitor
	deadline   time.Duration
	replayTTL  time.Duration
	persister  *persister
	locks      syncutil.KeyedMutex // per-transaction-ID evaluation locks
}

// NewOrchestrator creates the evaluation orchestrator. All dependencies are
// constructed once at process start and injected; the orchestrator holds no
// global state.
func NewOrchestrator(store Store, reviews ReviewQueue, c cache.Cache, monitor *perf.Monitor, collectors []Collector) *Orchestrator {
	o := &Orchestrator{
		collectors: collectors,
		store:      store,
		reviews:    reviews,
		cache:      c,
		monitor:    monitor,
		deadline:   DefaultDeadline,
		replayTTL:  DefaultReplayTTL,
	}
	o.persister = newPersister(monitor)
	return o
}

// WithDeadline overrides the overall evaluation deadline.
func (o *Orchestrator) WithDeadline(d time.Duration) *Orchestrator {
	if d > 0 {
		o.deadline = d
	}
	return o
}

// WithReplayTTL overrides how long finished evaluations stay cached for
// idempotent replay. Must cover at least the velocity window, otherwise a
// replayed transaction could re-increment its counters.
func (o *Orchestrator) WithReplayTTL(ttl time.Duration) *Orchestrator {
	if ttl > 0 {
		o.replayTTL = ttl
	}
	return o
}

// Start launches the background persistence workers.
func (o *Orchestrator) Start() {
	o.persister.start()
}

// Stop drains and stops the background persistence workers.
func (o *Orchestrator) Stop() {
	o.persister.stop()
}

// Evaluate scores a transaction and returns a decision. It always returns
// within the configured deadline plus the review-enqueue cap, regardless of
// dependency health. The only errors are validation errors.
func (o *Orchestrator) Evaluate(ctx context.Context, tx *Transaction) (*EvaluationResult, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	// Evaluations of one transaction ID are serialized: the second waits,
	// then replays the first's result. The lock pool is sharded so memory
	// stays flat however many distinct IDs flow through.
	unlock := o.locks.Lock(tx.ID)
	defer unlock()

	// Idempotency: a re-submitted transaction ID replays the stored result
	// before any collector runs, so velocity counters are never re-incremented
	// and the review queue is never double-fed.
	if res := o.replay(ctx, tx.ID); res != nil {
		return res, nil
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	type outcome struct {
		idx     int
		factor  *RiskFactor
		elapsed time.Duration
	}
	outcomes := make(chan outcome, len(o.collectors))
	for i, c := range o.collectors {
		go func(i int, c Collector) {
			t0 := time.Now()
			f := o.collect(dctx, c, tx)
			outcomes <- outcome{idx: i, factor: f, elapsed: time.Since(t0)}
		}(i, c)
	}

	factors := make([]*RiskFactor, len(o.collectors))
	perSignal := make(map[string]time.Duration, len(o.collectors))
	deadlineExceeded := false

collecting:
	for received := 0; received < len(o.collectors); received++ {
		select {
		case out := <-outcomes:
			factors[out.idx] = out.factor
			perSignal[string(o.collectors[out.idx].FactorType())] = out.elapsed
		case <-dctx.Done():
			// Deadline elapsed: dctx cancellation tells the stragglers to
			// stop; whatever they produce after this point is discarded.
			deadlineExceeded = true
			break collecting
		}
	}

	sum := 0
	collected := 0
	ordered := make([]RiskFactor, 0, len(o.collectors))
	for i, c := range o.collectors {
		f := factors[i]
		if f == nil {
			f = SkippedFactor(c.FactorType(), "deadline exceeded")
			metrics.CollectorSkipsTotal.WithLabelValues(string(c.FactorType()), "deadline").Inc()
		} else if f.Metadata["skipped"] != "true" {
			collected++
		}
		sum += f.Score
		ordered = append(ordered, *f)
	}

	// Fail-open: with every signal skipped the composite is zero, so the
	// decision is approve. The degraded flag and the unconditional review
	// enqueue below are what distinguish "clean" from "blind" approvals.
	degraded := collected == 0
	score := ClampScore(sum)
	level := Classify(score)
	decision := Decide(level)

	result := &EvaluationResult{
		TransactionID: tx.ID,
		RiskScore:     score,
		RiskLevel:     level,
		Decision:      decision,
		Degraded:      degraded,
		RiskFactors:   ordered,
		EvaluatedAt:   start,
	}

	if decision == DecisionBlocked || degraded {
		result.ReviewQueueID = o.enqueueReview(ctx, tx.ID)
	}

	elapsed := time.Since(start)
	result.EvaluationTimeMs = elapsed.Milliseconds()

	o.cacheResult(ctx, result)
	o.persistAsync(tx, result)

	metrics.EvaluationsTotal.WithLabelValues(string(decision)).Inc()
	metrics.EvaluationDuration.Observe(elapsed.Seconds())
	if degraded {
		metrics.DegradedEvaluationsTotal.Inc()
		o.monitor.RecordDegradation("pipeline")
	}
	if deadlineExceeded {
		metrics.SLABreachesTotal.Inc()
		logging.L(ctx).Warn("evaluation deadline exceeded",
			"transaction_id", tx.ID, "elapsed_ms", elapsed.Milliseconds())
	}
	o.monitor.Record(perf.Sample{
		TransactionID:    tx.ID,
		Decision:         string(decision),
		Total:            elapsed,
		PerSignal:        perSignal,
		Degraded:         degraded,
		DeadlineExceeded: deadlineExceeded,
		At:               start,
	})

	return result, nil
}

// collect runs one collector under its own timeout and converts every
// failure mode (error, panic, nil factor, out-of-range score) into a
// well-formed factor. Nothing a collector does can abort the evaluation.
func (o *Orchestrator) collect(ctx context.Context, c Collector, tx *Transaction) (factor *RiskFactor) {
	ft := c.FactorType()
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("collector panicked", "factor", ft, "panic", r)
			metrics.CollectorSkipsTotal.WithLabelValues(string(ft), "panic").Inc()
			factor = SkippedFactor(ft, "internal error")
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	t0 := time.Now()
	f, err := c.Collect(cctx, tx)
	metrics.CollectorDuration.WithLabelValues(string(ft)).Observe(time.Since(t0).Seconds())

	if err != nil {
		reason := "error"
		if cctx.Err() != nil {
			reason = "timeout"
		}
		metrics.CollectorSkipsTotal.WithLabelValues(string(ft), reason).Inc()
		o.monitor.RecordDegradation(string(ft))
		return SkippedFactor(ft, err.Error())
	}
	if f == nil {
		return SkippedFactor(ft, "no result")
	}
	f.Score = ClampScore(f.Score)
	return f
}

// enqueueReview routes a transaction to human review. The synchronous
// attempt gets a small independent budget so a slow queue cannot hold the
// checkout response; on failure the enqueue is retried in the background
// (the audit trail must eventually hold the item, but the decision stands).
func (o *Orchestrator) enqueueReview(ctx context.Context, transactionID string) string {
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultEnqueueCap)
	defer cancel()

	id, err := o.reviews.Enqueue(enqCtx, transactionID)
	if err == nil {
		return id
	}

	logging.L(ctx).Warn("review enqueue failed, retrying in background",
		"transaction_id", transactionID, "error", err)
	o.monitor.RecordDegradation("review")
	o.persister.submit("review_enqueue", func(bg context.Context) error {
		_, err := o.reviews.Enqueue(bg, transactionID)
		return err
	})
	return ""
}

// cacheResult stores the finished result for idempotent replay.
func (o *Orchestrator) cacheResult(ctx context.Context, result *EvaluationResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := o.cache.SetWithTTL(context.WithoutCancel(ctx), cache.EvalKey(result.TransactionID), string(data), o.replayTTL); err != nil {
		logging.L(ctx).Warn("result cache write failed", "transaction_id", result.TransactionID, "error", err)
		o.monitor.RecordDegradation("cache")
	}
}

// persistAsync hands the audit write to the bounded worker pool.
func (o *Orchestrator) persistAsync(tx *Transaction, result *EvaluationResult) {
	txCopy := *tx
	o.persister.submit("persist_evaluation", func(bg context.Context) error {
		return o.store.SaveEvaluation(bg, &txCopy, result)
	})
}

// replay returns a previously computed result for the transaction ID, or nil.
func (o *Orchestrator) replay(ctx context.Context, transactionID string) *EvaluationResult {
	if val, ok, err := o.cache.Get(ctx, cache.EvalKey(transactionID)); err == nil && ok {
		var res EvaluationResult
		if err := json.Unmarshal([]byte(val), &res); err == nil {
			return &res
		}
	}
	res, err := o.store.GetResult(ctx, transactionID)
	if err != nil {
		return nil
	}
	return res
}
