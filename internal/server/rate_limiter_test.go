package server

import (
	"testing"
	"time"
)

func TestConnectThrottle(t *testing.T) {
	throttle := newConnectThrottle(ConnectLimitConfig{Rate: 0.001, Burst: 3}, time.Minute)
	defer throttle.stop()

	for i := 0; i < 3; i++ {
		if !throttle.allow("10.0.0.1") {
			t.Fatalf("Attempt %d should be allowed within the burst", i+1)
		}
	}
	if throttle.allow("10.0.0.1") {
		t.Error("Expected the fourth attempt to be throttled")
	}
	if !throttle.allow("10.0.0.2") {
		t.Error("Expected another address to have its own bucket")
	}
}

func TestConnectThrottleForgetsIdleAddresses(t *testing.T) {
	throttle := newConnectThrottle(ConnectLimitConfig{Rate: 0.001, Burst: 1}, 50*time.Millisecond)
	defer throttle.stop()

	if !throttle.allow("10.0.0.1") {
		t.Fatal("First attempt should be allowed")
	}
	if throttle.allow("10.0.0.1") {
		t.Fatal("Second attempt should be throttled")
	}

	time.Sleep(150 * time.Millisecond)
	if !throttle.allow("10.0.0.1") {
		t.Error("Expected a fresh bucket after the idle TTL")
	}
}
