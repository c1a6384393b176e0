package ratelimit

import (
	"testing"
	"time"
)

func TestAllowFirstCallAlwaysTrue(t *testing.T) {
	l := New(time.Hour, 1, time.Minute)
	if !l.Allow("1.2.3.4") {
		t.Fatal("expected first call for a new key to be allowed")
	}
}

func TestAllowSuppressesWithinInterval(t *testing.T) {
	l := New(time.Hour, 1, time.Minute)
	l.Allow("1.2.3.4")
	if l.Allow("1.2.3.4") {
		t.Fatal("expected second call within the interval to be suppressed")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(time.Hour, 1, time.Minute)
	if !l.Allow("1.2.3.4") {
		t.Fatal("expected first call for key a to be allowed")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatal("expected a different key to have its own independent bucket")
	}
}
