package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocker_SerializesSamePair(t *testing.T) {
	// GIVEN: 50 goroutines incrementing a counter under the same pair lock
	l := NewLocker()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("w-1", "USD")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	// THEN: No increments were lost and every entry was released
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.size())
}

func TestLocker_DifferentPairsDoNotBlock(t *testing.T) {
	// GIVEN: USD locked on w-1
	l := NewLocker()
	unlockUSD := l.Lock("w-1", "USD")
	defer unlockUSD()

	// WHEN: Locking IRR on the same wallet and USD on another
	done := make(chan struct{})
	go func() {
		l.Lock("w-1", "IRR")()
		l.Lock("w-2", "USD")()
		close(done)
	}()

	// THEN: Neither waits for the held pair
	<-done
	assert.Equal(t, 1, l.size())
}

func TestLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("w-1", "USD")
	unlock()
	unlock()

	assert.Equal(t, 0, l.size())
	// Still lockable after a double unlock
	l.Lock("w-1", "USD")()
}
