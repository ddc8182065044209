package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunExecutesAndBlocksUntilDone(t *testing.T) {
	var p = New(4)
	defer p.Close()

	var n int32
	p.Run("object-1", func() { atomic.AddInt32(&n, 1) })
	if atomic.LoadInt32(&n) != 1 {
		t.Fatalf("expected fn to have run before Run returned, got n=%d", n)
	}
}

func TestRunFansOutAcrossKeys(t *testing.T) {
	var p = New(4)
	defer p.Close()

	var wg sync.WaitGroup
	var n int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		var key = string(rune('a' + i%10))
		go func(key string) {
			defer wg.Done()
			p.Run(key, func() { atomic.AddInt32(&n, 1) })
		}(key)
	}
	wg.Wait()
	if atomic.LoadInt32(&n) != 50 {
		t.Fatalf("expected 50 completions, got %d", n)
	}
}
