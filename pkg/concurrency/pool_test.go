package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"trinity/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_GroupWaitsForBatch(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "ScanPool",
		MaxWorkers:  4,
		MaxCapacity: 100,
	}, &noopLogger{})
	defer pool.Stop()

	var counter int64
	group := pool.Group()
	for i := 0; i < 50; i++ {
		group.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	group.Wait()

	if got := atomic.LoadInt64(&counter); got != 50 {
		t.Fatalf("expected all 50 tasks done after Wait, got %d", got)
	}
}

func TestWorkerPool_NonBlockingFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "TinyPool",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, &noopLogger{})
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker, then fill the single queue slot.
	_ = pool.Submit(func() { <-block })

	sawFull := false
	for i := 0; i < 10; i++ {
		if err := pool.Submit(func() {}); err != nil {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected a full non-blocking pool to reject a submit")
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "BenchmarkPool",
		MaxWorkers:  10,
		MaxCapacity: 1000,
		NonBlocking: false,
	}, &noopLogger{})
	defer pool.Stop()

	b.ResetTimer()
	var counter int64
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}

func BenchmarkGoroutine_Spawn(b *testing.B) {
	var wg sync.WaitGroup
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		go func() {
			wg.Done()
		}()
	}
	wg.Wait()
}
