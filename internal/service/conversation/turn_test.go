package conversation

import (
	"sync"
	"testing"
)

func TestCounterLimit(t *testing.T) {
	c := NewCounter(2)
	if c.HasReachedLimit() {
		t.Fatal("fresh counter should not be at the limit")
	}
	c.Increment()
	if c.HasReachedLimit() {
		t.Fatal("1 of 2 should not be at the limit")
	}
	if got := c.Increment(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if !c.HasReachedLimit() {
		t.Fatal("2 of 2 should be at the limit")
	}

	c.Reset()
	if c.Count() != 0 || c.HasReachedLimit() {
		t.Fatalf("reset failed: count=%d", c.Count())
	}
	if c.Max() != 2 {
		t.Fatalf("max changed: %d", c.Max())
	}
}

func TestCounterUncapped(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 1000; i++ {
		c.Increment()
	}
	if c.HasReachedLimit() {
		t.Fatal("uncapped counter reported a limit")
	}
	if NewCounter(-3).Max() != 0 {
		t.Fatal("negative max should normalise to uncapped")
	}
}

func TestCounterConcurrentReads(t *testing.T) {
	c := NewCounter(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.Increment()
			}
		}()
		go func() {
			defer wg.Done()
			_ = c.HasReachedLimit()
			_ = c.Count()
		}()
	}
	wg.Wait()
	if c.Count() != 100 || !c.HasReachedLimit() {
		t.Fatalf("unexpected count %d", c.Count())
	}
}
