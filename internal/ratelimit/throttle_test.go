package ratelimit

import (
	"testing"
	"time"
)

func TestThrottleAllow(t *testing.T) {
	th := NewThrottle(ThrottleConfig{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer th.Stop()

	now := time.Now()
	th.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !th.Allow("1.2.3.4") {
			t.Fatalf("request %d should be within burst", i)
		}
	}
	if th.Allow("1.2.3.4") {
		t.Error("request after burst should be denied")
	}
	if !th.Allow("5.6.7.8") {
		t.Error("a different client has its own bucket")
	}

	// One second at 60/min refills one token.
	now = now.Add(time.Second)
	if !th.Allow("1.2.3.4") {
		t.Error("request after refill should be allowed")
	}
	if th.Allow("1.2.3.4") {
		t.Error("only one token was refilled")
	}
}

func TestThrottleStopIsIdempotent(t *testing.T) {
	th := NewThrottle(DefaultThrottleConfig())
	th.Stop()
	th.Stop()
}
