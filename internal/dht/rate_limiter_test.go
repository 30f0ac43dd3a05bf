package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRateLimiterCapacityAndRefill(t *testing.T) {
	mock := clock.NewMock()
	rl := NewRateLimiter(mock, 3, time.Second)
	p := testPeerID(1)

	for i := 0; i < 3; i++ {
		if !rl.Allow(p) {
			t.Fatalf("request %d refused within capacity", i)
		}
	}
	if rl.Allow(p) {
		t.Fatal("request allowed past capacity")
	}

	mock.Add(2 * time.Second)
	if !rl.Allow(p) {
		t.Fatal("request refused after refill")
	}
	if !rl.Allow(p) {
		t.Fatal("second refilled token missing")
	}
	if rl.Allow(p) {
		t.Fatal("over-refilled")
	}
}

func TestRateLimiterIsolatesPeers(t *testing.T) {
	mock := clock.NewMock()
	rl := NewRateLimiter(mock, 1, time.Minute)

	if !rl.Allow(testPeerID(1)) {
		t.Fatal("first peer refused")
	}
	if !rl.Allow(testPeerID(2)) {
		t.Fatal("second peer throttled by first peer's bucket")
	}
}
