package throttle

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestBurstExhaustion(t *testing.T) {
	l := New(Config{Rate: rate.Limit(0.001), Burst: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("alice@x.com") {
			t.Fatalf("attempt %d rejected within burst", i)
		}
	}
	if l.Allow("alice@x.com") {
		t.Fatal("attempt allowed after burst exhaustion")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{Rate: rate.Limit(0.001), Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("alice@x.com") {
		t.Fatal("first attempt for alice rejected")
	}
	if l.Allow("alice@x.com") {
		t.Fatal("second attempt for alice allowed")
	}
	if !l.Allow("bob@x.com") {
		t.Fatal("bob throttled by alice's attempts")
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", l.Len())
	}
}

func TestCleanupEvictsIdleKeys(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1, CleanupInterval: 10 * time.Millisecond})
	defer l.Stop()

	l.Allow("alice@x.com")

	deadline := time.Now().Add(time.Second)
	for l.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Len() != 0 {
		t.Fatalf("idle key never evicted, len=%d", l.Len())
	}
}
