package ingest

import (
	"fmt"
	"testing"
	"time"
)

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Minute, 16)
	if d.Seen("bot:1") {
		t.Fatal("unmarked key reported as duplicate")
	}
	d.Mark("bot:1")
	if !d.Seen("bot:1") {
		t.Fatal("marked key not suppressed")
	}
	if d.Seen("bot:2") {
		t.Fatal("distinct key reported as duplicate")
	}
}

func TestDeduperSeenDoesNotMark(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Minute, 16)
	if d.Seen("bot:1") {
		t.Fatal("unmarked key reported as duplicate")
	}
	// A check alone must not start the window.
	if d.Seen("bot:1") {
		t.Fatal("checking marked the key")
	}
	if d.Len() != 0 {
		t.Fatalf("len = %d, want 0", d.Len())
	}
}

func TestDeduperExpiresEntries(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Minute, 16)
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Mark("bot:1")
	now = now.Add(2 * time.Minute)
	if d.Seen("bot:1") {
		t.Fatal("expired entry still suppressing")
	}
	if d.Len() != 0 {
		t.Fatalf("len = %d, want 0 after expiry sweep", d.Len())
	}
}

func TestDeduperEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Hour, 3)
	for i := 0; i < 3; i++ {
		d.Mark(fmt.Sprintf("key-%d", i))
	}
	d.Mark("key-3")
	if d.Len() != 3 {
		t.Fatalf("len = %d, want bounded at 3", d.Len())
	}
	if d.Seen("key-0") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !d.Seen("key-3") {
		t.Fatal("newest entry lost")
	}
}
