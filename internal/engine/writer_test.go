package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/riskengine/internal/perf"
)

func TestPersisterRunsSubmittedTasks(t *testing.T) {
	p := newPersister(perf.New(16, 100*time.Millisecond))
	p.start()

	var ran atomic.Int64
	done := make(chan struct{})
	p.submit("evaluation", func(context.Context) error {
		ran.Add(1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	p.stop()
	assert.Equal(t, int64(1), ran.Load())
}

func TestPersisterSubmitAfterStopDoesNotPanic(t *testing.T) {
	p := newPersister(perf.New(16, 100*time.Millisecond))
	p.start()
	p.stop()

	require.NotPanics(t, func() {
		p.submit("evaluation", func(context.Context) error { return nil })
	})
	// Stopping again is safe too.
	require.NotPanics(t, p.stop)
}

func TestEvaluateAfterStopStillReturnsResult(t *testing.T) {
	queue := &countingQueue{}
	o, _ := newTestOrchestrator(t, queue, &stubCollector{factorType: FactorAmountThreshold, score: 10})
	o.Stop()

	res, err := o.Evaluate(context.Background(), validTransaction("tx_after_stop"))
	require.NoError(t, err)
	assert.Equal(t, 10, res.RiskScore)
}
