package clock

import (
	"sync"
	"testing"
	"time"
)

func TestFakeClockAdvanceIsConcurrencySafe(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	if got := c.Now(); !got.Equal(start.Add(10 * time.Second)) {
		t.Fatalf("expected %s, got %s", start.Add(10*time.Second), got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected clock reset to %s", start)
	}
}
