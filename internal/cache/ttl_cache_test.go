package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](fc)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit for a, got %v %v", v, ok)
	}

	fc.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to expire")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b to persist without ttl")
	}
	if c.Len() != 1 {
		t.Fatalf("expected expired entry to be evicted, len=%d", c.Len())
	}
}

func TestTTLCacheDeleteFunc(t *testing.T) {
	c := NewTTLCache[string, int](nil)
	c.Set("acct:1:topic", 1, time.Hour)
	c.Set("acct:1:window", 2, time.Hour)
	c.Set("acct:2:topic", 3, time.Hour)

	c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "acct:1:") })

	if c.Len() != 1 {
		t.Fatalf("expected one entry left, got %d", c.Len())
	}
	if _, ok := c.Get("acct:2:topic"); !ok {
		t.Fatalf("expected unrelated entry to survive")
	}
}

func TestNilAndNoopCaches(t *testing.T) {
	var c *TTLCache[string, int]
	c.Set("a", 1, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("nil cache must miss")
	}

	var n Cache[string, int] = NoopCache[string, int]{}
	n.Set("a", 1, time.Minute)
	if _, ok := n.Get("a"); ok {
		t.Fatalf("noop cache must miss")
	}
}
