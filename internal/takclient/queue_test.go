package takclient

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func frame(uid, payload string) Frame {
	return Frame{UID: uid, Payload: []byte(payload), EnqueuedAt: time.Now()}
}

func TestEnqueueReplacement(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 10})

	q.Enqueue(frame("d1", "a"))
	q.Enqueue(frame("d1", "b"))

	if depth := q.Depth(); depth != 1 {
		t.Fatalf("depth = %d, want 1 after same-uid replacement", depth)
	}
	s := q.Metrics().Snapshot()
	if s.Enqueued != 2 || s.Replaced != 1 {
		t.Errorf("enqueued=%d replaced=%d, want 2/1", s.Enqueued, s.Replaced)
	}

	f, ok := q.pop()
	if !ok || string(f.Payload) != "b" {
		t.Errorf("head = %q, want the newest payload", f.Payload)
	}
}

func TestEnqueueFIFOAcrossUIDs(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 10})
	q.Enqueue(frame("d1", "a"), frame("d2", "b"), frame("d3", "c"))

	var got []string
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, f.UID)
	}
	if strings.Join(got, ",") != "d1,d2,d3" {
		t.Errorf("order = %v, want d1,d2,d3", got)
	}
}

func TestEnqueueDropOldestAtCapacity(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 3})
	for i := 0; i < 3; i++ {
		q.Enqueue(frame(fmt.Sprintf("d%d", i), "x"))
	}

	q.Enqueue(frame("d9", "new"))

	if depth := q.Depth(); depth != 3 {
		t.Fatalf("depth = %d, want capacity 3", depth)
	}
	s := q.Metrics().Snapshot()
	if s.DroppedFull != 1 {
		t.Errorf("dropped_full = %d, want 1", s.DroppedFull)
	}

	f, _ := q.pop()
	if f.UID != "d1" {
		t.Errorf("head = %s, want d1 after d0 was dropped", f.UID)
	}
}

func TestReplacementDoesNotDropAtCapacity(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 2})
	q.Enqueue(frame("d1", "a"), frame("d2", "b"))

	// Replacing an existing uid keeps the depth at capacity without dropping.
	q.Enqueue(frame("d2", "b2"))

	if depth := q.Depth(); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
	if s := q.Metrics().Snapshot(); s.DroppedFull != 0 {
		t.Errorf("dropped_full = %d, want 0", s.DroppedFull)
	}
}

func TestMetricsWriteTo(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 5})
	q.Enqueue(frame("d1", "a"))
	q.Enqueue(frame("d1", "b"))

	var sb strings.Builder
	q.Metrics().WriteTo(&sb, "tak-main")
	out := sb.String()

	for _, want := range []string{
		`tak_queue_depth{server="tak-main"} 1`,
		`tak_frames_enqueued_total{server="tak-main"} 2`,
		`tak_frames_replaced_total{server="tak-main"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	base := time.Second
	cap := 60 * time.Second

	for i := 0; i < 100; i++ {
		next := nextBackoff(2*time.Second, base, cap)
		if next < base || next > cap {
			t.Fatalf("backoff %s outside [%s, %s]", next, base, cap)
		}
		// Doubling 2s with ±25% jitter stays within [3s, 5s].
		if next < 3*time.Second || next > 5*time.Second {
			t.Fatalf("backoff %s outside jitter window [3s, 5s]", next)
		}
	}

	for i := 0; i < 100; i++ {
		if next := nextBackoff(cap, base, cap); next > cap {
			t.Fatalf("backoff %s exceeds cap", next)
		}
	}
}
