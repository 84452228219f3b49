package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedAllowsBurstThenBlocks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	k := NewKeyed(2, 2, time.Minute)
	k.now = func() time.Time { return now }

	if !k.Allow("1.2.3.4") || !k.Allow("1.2.3.4") {
		t.Fatal("burst should be admitted")
	}
	if k.Allow("1.2.3.4") {
		t.Fatal("third request within the window should be rejected")
	}
	if !k.Allow("5.6.7.8") {
		t.Fatal("other keys have their own bucket")
	}

	now = now.Add(31 * time.Second)
	if !k.Allow("1.2.3.4") {
		t.Fatal("a token should refill after half the window")
	}
}

func TestKeyedForgetsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	k := NewKeyed(10, 10, time.Second)
	k.now = func() time.Time { return now }

	k.Allow("a")
	k.Allow("b")
	if k.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", k.Len())
	}
	now = now.Add(2 * time.Minute)
	k.Allow("c")
	if k.Len() != 1 {
		t.Fatalf("idle buckets should be pruned, got %d", k.Len())
	}
}

func TestNewBucketWithoutWindowIsUnlimited(t *testing.T) {
	b := NewBucket(0, 0, 0)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatalf("unlimited bucket rejected request %d", i)
		}
	}
}
