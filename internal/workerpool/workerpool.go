// Package workerpool provides an optional, process-wide bound on
// concurrent rehydration work: loading a group's latest snapshot and
// replaying its durable-log tail is I/O-bound but otherwise cheap, so
// letting an unbounded burst of newly-touched objects rehydrate all at
// once is wasteful rather than dangerous. A Pool caps that fan-out to a
// fixed worker count and shards by object-id so repeated rehydration of
// the same object tends to land on the same worker.
package workerpool

import (
	"runtime"

	"github.com/minio/highwayhash"
)

var hashKey = [32]byte{}

// Pool is a fixed set of workers, each a single goroutine draining its own
// queue of work closures.
type Pool struct {
	shards []chan func()
}

// New returns a Pool with size workers. size <= 0 defaults to
// runtime.GOMAXPROCS(0), which is what cmd/collabd asks for, so the pool
// scales with the process rather than a hardcoded constant.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	var p = &Pool{shards: make([]chan func(), size)}
	for i := range p.shards {
		p.shards[i] = make(chan func(), 16)
		go runShard(p.shards[i])
	}
	return p
}

func runShard(tasks chan func()) {
	for fn := range tasks {
		fn()
	}
}

func shardIndex(key string, n int) int {
	return int(highwayhash.Sum64([]byte(key), hashKey[:]) % uint64(n))
}

// Run submits fn to the worker selected by key and blocks until it has
// run. Safe to call from many goroutines concurrently; calls sharing a
// key queue behind one another on the same worker.
func (p *Pool) Run(key string, fn func()) {
	var doneCh = make(chan struct{})
	p.shards[shardIndex(key, len(p.shards))] <- func() {
		fn()
		close(doneCh)
	}
	<-doneCh
}

// Close stops every worker once its current queue drains. A Pool must not
// be used after Close.
func (p *Pool) Close() {
	for _, s := range p.shards {
		close(s)
	}
}
