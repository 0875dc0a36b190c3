package workers

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPoolRunsAllTasks tests basic task submission.
func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(4, 10)
	pool.Start()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !pool.Submit(fmt.Sprintf("k%d", i%7), func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		}) {
			t.Fatal("submit failed on running pool")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for tasks to complete")
	}

	pool.Stop()
	if counter != 100 {
		t.Fatalf("expected 100 tasks, got %d", counter)
	}
	if stats := pool.Stats(); stats.TasksDone != 100 || stats.Running {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestPoolPreservesPerKeyOrder tests that one key's tasks run sequentially in
// submission order.
func TestPoolPreservesPerKeyOrder(t *testing.T) {
	pool := NewPool(3, 4)
	pool.Start()
	defer pool.Stop()

	keys := []string{"AAPL", "MSFT", "SPY", "QQQ"}
	var mu sync.Mutex
	seen := make(map[string][]int)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, k := range keys {
			k, i := k, i
			wg.Add(1)
			pool.Submit(k, func() {
				defer wg.Done()
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			})
		}
	}
	wg.Wait()

	for _, k := range keys {
		if !sort.IntsAreSorted(seen[k]) || len(seen[k]) != 50 {
			t.Fatalf("%s: tasks ran out of order or were lost: %v", k, seen[k])
		}
	}
}

func TestForEachWaitsAndFallsBackInline(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	pool := NewPool(2, 1)
	pool.Start()
	var n int64
	pool.ForEach(keys, func(string) { atomic.AddInt64(&n, 1) })
	if n != 5 {
		t.Fatalf("expected 5 calls, got %d", n)
	}
	pool.Stop()

	var order []string
	pool.ForEach(keys, func(k string) { order = append(order, k) })
	if fmt.Sprint(order) != fmt.Sprint(keys) {
		t.Fatalf("stopped pool should run inline in order, got %v", order)
	}
}

func BenchmarkPoolForEach(b *testing.B) {
	pool := NewPool(0, 0)
	pool.Start()
	defer pool.Stop()
	keys := []string{"AAPL", "MSFT", "SPY", "QQQ", "IWM", "TLT", "GLD", "XOM"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.ForEach(keys, func(string) {})
	}
}
