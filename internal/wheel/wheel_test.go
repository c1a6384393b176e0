package wheel

import (
	"testing"
	"time"
)

func TestUpdateThenPollAfterDeadline(t *testing.T) {
	w := New(10 * time.Millisecond)
	w.Update("a", 5*time.Millisecond)

	if items := w.Poll(); items != nil {
		t.Fatalf("expected no items before deadline, got %v", items)
	}

	time.Sleep(30 * time.Millisecond)

	items := w.Poll()
	if len(items) != 1 || items[0] != "a" {
		t.Fatalf("expected [a] after deadline, got %v", items)
	}
	if w.Len() != 0 {
		t.Fatalf("expected wheel to be empty after poll, got len %d", w.Len())
	}
}

func TestUpdateRenewsOutOfOldBucket(t *testing.T) {
	w := New(10 * time.Millisecond)
	w.Update("a", 5*time.Millisecond)
	w.Update("a", 500*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	if items := w.Poll(); items != nil {
		t.Fatalf("expected renewed item not to be due yet, got %v", items)
	}
	if w.Len() != 1 {
		t.Fatalf("expected exactly one tracked item, got %d", w.Len())
	}
}

func TestRemoveDetachesItem(t *testing.T) {
	w := New(10 * time.Millisecond)
	w.Update("a", 5*time.Millisecond)
	w.Remove("a")

	time.Sleep(30 * time.Millisecond)
	if items := w.Poll(); items != nil {
		t.Fatalf("expected removed item not to be polled, got %v", items)
	}
}

func TestWaitTimeReturnsZeroOncePastDeadline(t *testing.T) {
	w := New(5 * time.Millisecond)
	w.Update("a", time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if got := w.WaitTime(); got != 0 {
		t.Fatalf("expected WaitTime 0 once deadline has passed, got %v", got)
	}
}

func TestWaitTimeIsLongWhenEmpty(t *testing.T) {
	w := New(10 * time.Millisecond)
	if got := w.WaitTime(); got < time.Hour {
		t.Fatalf("expected a long wait time on an empty wheel, got %v", got)
	}
}

func TestPollDrainsFullBucketAtomically(t *testing.T) {
	w := New(10 * time.Millisecond)
	w.Update("a", time.Millisecond)
	w.Update("b", time.Millisecond)
	w.Update("c", 500*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	items := w.Poll()
	if len(items) != 2 {
		t.Fatalf("expected both a and b in the same bucket, got %v", items)
	}
	seen := map[interface{}]bool{}
	for _, it := range items {
		seen[it] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected a and b, got %v", items)
	}
	if w.Len() != 1 {
		t.Fatalf("expected c to remain tracked, got len %d", w.Len())
	}
}
