package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/pkg/ledger"
	"courier/pkg/metrics"
	"courier/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newLedger(t *testing.T, retention time.Duration) (*ledger.Ledger, *storage.Store, *metrics.Metrics) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New(prometheus.NewRegistry())
	return ledger.New(store, retention, m, zaptest.NewLogger(t)), store, m
}

func TestCheckAndReserveTwice(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, time.Hour)

	first, err := l.CheckAndReserve(ctx, 7, "guid")
	require.NoError(t, err)
	second, err := l.CheckAndReserve(ctx, 7, "guid")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	_, err = l.CheckAndReserve(ctx, 7, "")
	assert.Error(t, err)
}

func TestExactlyOneConcurrentReservation(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, time.Hour)

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := l.CheckAndReserve(ctx, 0, "retried-post")
			if assert.NoError(t, err) && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, time.Hour)

	ok, err := l.CheckAndReserve(ctx, 1, "g")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, 1, "g"))

	ok, err = l.CheckAndReserve(ctx, 1, "g")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	l, store, m := newLedger(t, time.Hour)

	_, err := l.CheckAndReserve(ctx, 1, "old")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	n, err := l.Prune(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerPruned))

	count, err := store.CountGuids(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = l.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestStartPruningStopsOnCancel(t *testing.T) {
	l, store, _ := newLedger(t, time.Millisecond)
	_, err := l.CheckAndReserve(context.Background(), 1, "g")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.StartPruning(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		count, err := store.CountGuids(context.Background())
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruning loop did not stop")
	}
}
