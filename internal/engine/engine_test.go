package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/perf"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, RiskLow, Classify(0))
	assert.Equal(t, RiskLow, Classify(30))
	assert.Equal(t, RiskMedium, Classify(31))
	assert.Equal(t, RiskMedium, Classify(79))
	assert.Equal(t, RiskHigh, Classify(80))
	assert.Equal(t, RiskHigh, Classify(100))
}

func TestDecide(t *testing.T) {
	assert.Equal(t, DecisionApprove, Decide(RiskLow))
	assert.Equal(t, DecisionAdditionalAuth, Decide(RiskMedium))
	assert.Equal(t, DecisionBlocked, Decide(RiskHigh))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, ClampScore(-5))
	assert.Equal(t, 0, ClampScore(0))
	assert.Equal(t, 57, ClampScore(57))
	assert.Equal(t, 100, ClampScore(140))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityInfo, SeverityFor(0))
	assert.Equal(t, SeverityLow, SeverityFor(15))
	assert.Equal(t, SeverityMedium, SeverityFor(30))
	assert.Equal(t, SeverityHigh, SeverityFor(31))
}

func TestTransactionValidate(t *testing.T) {
	tx := validTransaction("tx_1")
	require.NoError(t, tx.Validate())

	missing := validTransaction("")
	assert.Error(t, missing.Validate())

	zero := validTransaction("tx_2")
	zero.Amount = decimal.Zero
	assert.Error(t, zero.Validate())

	noIP := validTransaction("tx_3")
	noIP.IPAddress = ""
	assert.Error(t, noIP.Validate())
}

// stubCollector is a scriptable collector for orchestrator tests.
type stubCollector struct {
	factorType FactorType
	score      int
	err        error
	delay      time.Duration
	timeout    time.Duration
	panics     bool
	calls      atomic.Int64
}

func (s *stubCollector) FactorType() FactorType { return s.factorType }

func (s *stubCollector) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return 25 * time.Millisecond
}

func (s *stubCollector) Collect(ctx context.Context, _ *Transaction) (*RiskFactor, error) {
	s.calls.Add(1)
	if s.panics {
		panic("stub collector exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &RiskFactor{
		Type:        s.factorType,
		Score:       s.score,
		Description: fmt.Sprintf("stub score %d", s.score),
		Severity:    SeverityFor(s.score),
	}, nil
}

// countingQueue records enqueued transaction IDs.
type countingQueue struct {
	mu   sync.Mutex
	ids  []string
	err  error
	next int
}

func (q *countingQueue) Enqueue(_ context.Context, transactionID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	for _, id := range q.ids {
		if id == transactionID {
			return "", nil
		}
	}
	q.ids = append(q.ids, transactionID)
	q.next++
	return fmt.Sprintf("rev_%d", q.next), nil
}

func (q *countingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func validTransaction(id string) *Transaction {
	return &Transaction{
		ID:        id,
		ActorID:   "actor_1",
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		IPAddress: "203.0.113.10",
		CreatedAt: time.Now().UTC(),
	}
}

func newTestOrchestrator(t *testing.T, queue ReviewQueue, collectors ...Collector) (*Orchestrator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	o := NewOrchestrator(store, queue, mem, perf.New(64, 100*time.Millisecond), collectors).
		WithDeadline(150 * time.Millisecond)
	o.Start()
	t.Cleanup(o.Stop)
	return o, store
}

func TestEvaluateAdditiveScore(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorAmountThreshold, score: 20},
		&stubCollector{factorType: FactorVelocity, score: 15},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_add"))
	require.NoError(t, err)

	assert.Equal(t, 35, res.RiskScore)
	assert.Equal(t, RiskMedium, res.RiskLevel)
	assert.Equal(t, DecisionAdditionalAuth, res.Decision)
	assert.False(t, res.Degraded)
	assert.Len(t, res.RiskFactors, 2)
	assert.Equal(t, 0, queue.count())
}

func TestEvaluateScoreClampedAt100(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorThreatIntel, score: 50},
		&stubCollector{factorType: FactorAnomaly, score: 60},
		&stubCollector{factorType: FactorVelocity, score: 50},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_clamp"))
	require.NoError(t, err)

	assert.Equal(t, 100, res.RiskScore)
	assert.Equal(t, RiskHigh, res.RiskLevel)
	assert.Equal(t, DecisionBlocked, res.Decision)
}

func TestEvaluateBlockedEnqueuesReview(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorThreatIntel, score: 90},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_block"))
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, res.Decision)
	assert.Equal(t, "rev_1", res.ReviewQueueID)
	assert.Equal(t, 1, queue.count())
}

func TestEvaluateIdempotentReplay(t *testing.T) {
	queue := &countingQueue{}
	col := &stubCollector{factorType: FactorAmountThreshold, score: 10}
	o, _ := newTestOrchestrator(t, queue, col)

	tx := validTransaction("tx_replay")
	first, err := o.Evaluate(context.Background(), tx)
	require.NoError(t, err)

	second, err := o.Evaluate(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.EvaluatedAt.UnixNano(), second.EvaluatedAt.UnixNano())
	assert.Equal(t, int64(1), col.calls.Load(), "collectors must not rerun on replay")
}

func TestEvaluateReplayFromStoreWhenCacheEmpty(t *testing.T) {
	queue := &countingQueue{}
	col := &stubCollector{factorType: FactorAmountThreshold, score: 40}
	o, store := newTestOrchestrator(t, queue, col)

	tx := validTransaction("tx_store_replay")
	first, err := o.Evaluate(context.Background(), tx)
	require.NoError(t, err)

	// Wait for the async persist, then point a fresh orchestrator (cold
	// cache) at the same store.
	require.Eventually(t, func() bool {
		_, err := store.GetResult(context.Background(), tx.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cold := cache.NewMemory()
	t.Cleanup(cold.Close)
	o2 := NewOrchestrator(store, queue, cold, perf.New(64, 100*time.Millisecond), []Collector{col})
	o2.Start()
	t.Cleanup(o2.Stop)

	second, err := o2.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, int64(1), col.calls.Load())
}

func TestEvaluatePartialFailureSkipsSignal(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorAmountThreshold, score: 25},
		&stubCollector{factorType: FactorThreatIntel, err: errors.New("upstream 503")},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_partial"))
	require.NoError(t, err)

	assert.Equal(t, 25, res.RiskScore)
	assert.False(t, res.Degraded)
	require.Len(t, res.RiskFactors, 2)

	skipped := res.RiskFactors[1]
	assert.Equal(t, FactorThreatIntel, skipped.Type)
	assert.Equal(t, 0, skipped.Score)
	assert.Equal(t, SeverityInfo, skipped.Severity)
	assert.Contains(t, skipped.Description, "skipped:")
	assert.Equal(t, "true", skipped.Metadata["skipped"])
}

func TestEvaluateTotalOutageFailsOpen(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorAmountThreshold, err: errors.New("down")},
		&stubCollector{factorType: FactorVelocity, err: errors.New("down")},
		&stubCollector{factorType: FactorThreatIntel, err: errors.New("down")},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_outage"))
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Equal(t, 0, res.RiskScore)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, queue.count(), "degraded approvals must land in the review queue")
	assert.NotEmpty(t, res.ReviewQueueID)
}

func TestEvaluateSlowCollectorTimesOut(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorAmountThreshold, score: 10},
		&stubCollector{factorType: FactorAnomaly, score: 60, delay: 500 * time.Millisecond, timeout: 30 * time.Millisecond},
	)

	start := time.Now()
	res, err := o.Evaluate(context.Background(), validTransaction("tx_slow"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 10, res.RiskScore)
	assert.False(t, res.Degraded)

	var anomaly *RiskFactor
	for i := range res.RiskFactors {
		if res.RiskFactors[i].Type == FactorAnomaly {
			anomaly = &res.RiskFactors[i]
		}
	}
	require.NotNil(t, anomaly)
	assert.Equal(t, 0, anomaly.Score)
	assert.Equal(t, "true", anomaly.Metadata["skipped"])
}

func TestEvaluateCollectorPanicIsRecovered(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue,
		&stubCollector{factorType: FactorAmountThreshold, score: 20},
		&stubCollector{factorType: FactorLocationMismatch, panics: true},
	)

	res, err := o.Evaluate(context.Background(), validTransaction("tx_panic"))
	require.NoError(t, err)

	assert.Equal(t, 20, res.RiskScore)
	assert.False(t, res.Degraded)
}

func TestEvaluateConcurrentSameTransaction(t *testing.T) {
	queue := &countingQueue{}
	col := &stubCollector{factorType: FactorThreatIntel, score: 85, delay: 5 * time.Millisecond}
	o, _ := newTestOrchestrator(t, queue, col)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*EvaluationResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Evaluate(context.Background(), validTransaction("tx_race"))
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), col.calls.Load(), "only the first submission evaluates")
	assert.Equal(t, 1, queue.count(), "review item is enqueued exactly once")
	for _, res := range results {
		assert.Equal(t, DecisionBlocked, res.Decision)
		assert.Equal(t, 85, res.RiskScore)
	}
}

func TestEvaluateValidationError(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue, &stubCollector{factorType: FactorAmountThreshold, score: 10})

	_, err := o.Evaluate(context.Background(), validTransaction(""))
	assert.Error(t, err)
	assert.Equal(t, 0, queue.count())
}

func TestMemoryStoreSaveIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	tx := validTransaction("tx_mem")
	res := &EvaluationResult{TransactionID: tx.ID, RiskScore: 40, RiskLevel: RiskMedium, Decision: DecisionAdditionalAuth, EvaluatedAt: time.Now()}

	require.NoError(t, store.SaveEvaluation(context.Background(), tx, res))

	altered := *res
	altered.RiskScore = 99
	require.NoError(t, store.SaveEvaluation(context.Background(), tx, &altered))

	got, err := store.GetResult(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskScore, "append-only store keeps the first write")
}

func TestMemoryStoreListByActor(t *testing.T) {
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		tx := validTransaction(fmt.Sprintf("tx_%d", i))
		res := &EvaluationResult{TransactionID: tx.ID, RiskLevel: RiskLow, Decision: DecisionApprove, EvaluatedAt: time.Now()}
		require.NoError(t, store.SaveEvaluation(context.Background(), tx, res))
	}

	results, err := store.ListByActor(context.Background(), "actor_1", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "tx_5", results[0].TransactionID)
	assert.Equal(t, "tx_3", results[2].TransactionID)

	none, err := store.ListByActor(context.Background(), "actor_unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
