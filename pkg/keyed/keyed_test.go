package keyed

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire(t *testing.T) {
	g := New()

	release, ok := g.TryAcquire("e1")
	require.True(t, ok)
	assert.True(t, g.Held("e1"))

	_, ok = g.TryAcquire("e1")
	assert.False(t, ok, "second acquire of the same key must fail")

	other, ok := g.TryAcquire("e2")
	require.True(t, ok, "keys are independent")
	other()

	release()
	release() // idempotent
	assert.False(t, g.Held("e1"))
	assert.Equal(t, 0, g.Len())

	again, ok := g.TryAcquire("e1")
	require.True(t, ok)
	again()
}

func TestTryAcquireConcurrent(t *testing.T) {
	g := New()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := g.TryAcquire("same"); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
