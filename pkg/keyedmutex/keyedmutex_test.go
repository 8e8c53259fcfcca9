package keyedmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	var m Mutex
	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("user-1")
			defer unlock()
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load(), "same-key callers must never run concurrently")
}

func TestLockAllowsDifferentKeysConcurrently(t *testing.T) {
	var m Mutex
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different-key lock should not block on an unrelated held key")
	}
}

func TestMapEntryRemovedAfterLastUnlock(t *testing.T) {
	var m Mutex
	unlock := m.Lock("k")
	unlock()

	m.mu.Lock()
	_, present := m.locks["k"]
	m.mu.Unlock()
	assert.False(t, present, "the entry must be cleaned up once refs reach zero")
}
