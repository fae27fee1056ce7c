package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.storeSize)
	assert.NotNil(t, collector.storeEvictions)
	assert.NotNil(t, collector.decayRunsTotal)
	assert.NotNil(t, collector.dispatcherRequestsTotal)
}

func TestCollector_SetStoreSize(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetStoreSize("stm", "alice", 12)
	count := testutil.CollectAndCount(collector.storeSize)
	assert.Equal(t, 1, count)

	collector.SetStoreSize("stm", "alice", 9)
	count = testutil.CollectAndCount(collector.storeSize)
	assert.Equal(t, 1, count, "same labels update the same gauge series")
}

func TestCollector_RecordEviction(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordEviction("alice", 5)
	collector.RecordEviction("alice", 3)

	assert.Greater(t, testutil.CollectAndCount(collector.storeEvictions), 0)
}

func TestCollector_RecordDecayRun(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDecayRun(50*time.Millisecond, nil)
	collector.RecordDecayRun(10*time.Millisecond, fmt.Errorf("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(collector.decayRunsTotal))
	assert.Greater(t, testutil.CollectAndCount(collector.decayRunDuration), 0)
}

func TestCollector_RecordDecayExpired(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDecayExpired("alice", 4)
	assert.Greater(t, testutil.CollectAndCount(collector.decayExpiredTotal), 0)
}

func TestCollector_RecordCompressorBatch(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCompressorBatch("alice", nil)
	collector.RecordCompressorBatch("alice", fmt.Errorf("distillation failed"))
	collector.RecordDeadLetter("alice")

	assert.Equal(t, 2, testutil.CollectAndCount(collector.compressorBatchesTotal))
	assert.Greater(t, testutil.CollectAndCount(collector.compressorDeadLettersTotal), 0)
}

func TestCollector_ObserveRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveRequest("store", 2*time.Millisecond, false)
	collector.ObserveRequest("query", 5*time.Millisecond, true)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.dispatcherRequestsTotal))
	assert.Greater(t, testutil.CollectAndCount(collector.dispatcherRequestDuration), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.SetStoreSize("stm", "alice", id)
			collector.RecordEviction("alice", 1)
			collector.ObserveRequest("store", time.Millisecond, false)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.storeEvictions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.dispatcherRequestsTotal), 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	registry.MustRegister(collector.storeSize)
	registry.MustRegister(collector.dispatcherRequestsTotal)

	collector.SetStoreSize("ltm", "bob", 3)
	assert.Greater(t, testutil.CollectAndCount(collector.storeSize), 0)
}
