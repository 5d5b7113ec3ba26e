package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock()

	got := clock.Advance(40 * time.Second)

	assert.Equal(t, Epoch.Add(40*time.Second), got)
	assert.Equal(t, got, clock.Now())
}

func TestFakeClock_SetAllowsSkew(t *testing.T) {
	clock := NewFakeClock()
	clock.Set(Epoch.Add(-time.Minute))

	assert.Equal(t, Epoch.Add(-time.Minute), clock.Now())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	clock := NewFakeClock()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(50*time.Second), clock.Now())
}
