package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New()
	var concurrent, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("listing-1")
			defer unlock()
			mu.Lock()
			concurrent++
			if concurrent > max {
				max = concurrent
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, max, "holders of the same key must be serialized")
	require.Equal(t, 0, km.Len(), "entries must be reclaimed after release")
}

func TestLockIndependentKeys(t *testing.T) {
	km := New()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key must not block")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	km := New()
	unlock := km.Lock("x")
	unlock()
	unlock()
	require.Equal(t, 0, km.Len())
}
