// Package workers provides the sharded worker pool that runs per-instrument
// work in parallel while keeping each instrument's tasks in submission order.
package workers

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool routes each task to a shard chosen by key. A shard is served by one
// goroutine, so tasks sharing a key never run concurrently or out of order.
type Pool struct {
	shards     []chan func()
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	running    atomic.Bool
	mu         sync.RWMutex
	tasksTotal atomic.Uint64
	tasksDone  atomic.Uint64
}

// NewPool creates a pool with the given number of shards.
// If shards is 0, it defaults to runtime.NumCPU().
func NewPool(shards, queueDepth int) *Pool {
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		shards: make([]chan func(), shards),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.shards {
		p.shards[i] = make(chan func(), queueDepth)
	}
	return p
}

// Start starts one goroutine per shard.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	for _, q := range p.shards {
		p.wg.Add(1)
		go p.worker(q)
	}
}

func (p *Pool) worker(q chan func()) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-q:
			if !ok {
				return
			}
			task()
			p.tasksDone.Add(1)
		}
	}
}

func (p *Pool) shard(key string) chan func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit queues task on key's shard, blocking while the shard is full.
// Returns false if the pool is not running.
func (p *Pool) Submit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return false
	}
	select {
	case p.shard(key) <- task:
		p.tasksTotal.Add(1)
		return true
	case <-p.ctx.Done():
		return false
	}
}

// ForEach runs fn once per key and waits for all of them. Keys are spread
// across shards; with a stopped pool the calls run inline in key order.
func (p *Pool) ForEach(keys []string, fn func(key string)) {
	var wg sync.WaitGroup
	for _, key := range keys {
		key := key
		wg.Add(1)
		if !p.Submit(key, func() {
			defer wg.Done()
			fn(key)
		}) {
			fn(key)
			wg.Done()
		}
	}
	wg.Wait()
}

// Stop stops the pool and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running.Swap(false) {
		p.mu.Unlock()
		return
	}
	for _, q := range p.shards {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	queued := 0
	for _, q := range p.shards {
		queued += len(q)
	}
	return PoolStats{
		Shards:     len(p.shards),
		Running:    p.running.Load(),
		TasksTotal: p.tasksTotal.Load(),
		TasksDone:  p.tasksDone.Load(),
		QueueLen:   queued,
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Shards     int
	Running    bool
	TasksTotal uint64
	TasksDone  uint64
	QueueLen   int
}
