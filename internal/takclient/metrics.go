package takclient

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Metrics holds the per-destination queue and send counters. All fields are
// atomic so the health path can read them while the sender and producers run.
//
// Counter catalogue (Prometheus text exposition via WriteTo):
//
//	tak_queue_depth           – gauge:   frames currently queued
//	tak_frames_enqueued_total – counter: frames accepted by Enqueue
//	tak_frames_replaced_total – counter: queued frames replaced by a newer frame with the same uid
//	tak_frames_dropped_full_total  – counter: oldest frames dropped at capacity
//	tak_frames_dropped_stale_total – counter: frames discarded past the freshness window
//	tak_frames_sent_total     – counter: frames written to the TAK connection
//	tak_send_errors_total     – counter: writes that failed
//	tak_last_send_latency_us  – gauge:   duration of the most recent successful send
type Metrics struct {
	Depth        atomic.Int64
	Enqueued     atomic.Int64
	Replaced     atomic.Int64
	DroppedFull  atomic.Int64
	DroppedStale atomic.Int64
	Sent         atomic.Int64
	SendErrors   atomic.Int64
	LastLatency  atomic.Int64 // microseconds
}

// Snapshot is a plain-value copy of Metrics for JSON health responses.
type Snapshot struct {
	Depth        int64         `json:"depth"`
	Enqueued     int64         `json:"enqueued"`
	Replaced     int64         `json:"replaced"`
	DroppedFull  int64         `json:"dropped_full"`
	DroppedStale int64         `json:"dropped_stale"`
	Sent         int64         `json:"sent"`
	SendErrors   int64         `json:"send_errors"`
	LastLatency  time.Duration `json:"last_latency_us"`
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Depth:        m.Depth.Load(),
		Enqueued:     m.Enqueued.Load(),
		Replaced:     m.Replaced.Load(),
		DroppedFull:  m.DroppedFull.Load(),
		DroppedStale: m.DroppedStale.Load(),
		Sent:         m.Sent.Load(),
		SendErrors:   m.SendErrors.Load(),
		LastLatency:  time.Duration(m.LastLatency.Load()) * time.Microsecond,
	}
}

// WriteTo writes the counters in Prometheus text exposition format, labelled
// with the destination server name.
func (m *Metrics) WriteTo(w io.Writer, server string) {
	s := m.Snapshot()
	label := fmt.Sprintf(`{server=%q}`, server)
	fmt.Fprintf(w, "tak_queue_depth%s %d\n", label, s.Depth)
	fmt.Fprintf(w, "tak_frames_enqueued_total%s %d\n", label, s.Enqueued)
	fmt.Fprintf(w, "tak_frames_replaced_total%s %d\n", label, s.Replaced)
	fmt.Fprintf(w, "tak_frames_dropped_full_total%s %d\n", label, s.DroppedFull)
	fmt.Fprintf(w, "tak_frames_dropped_stale_total%s %d\n", label, s.DroppedStale)
	fmt.Fprintf(w, "tak_frames_sent_total%s %d\n", label, s.Sent)
	fmt.Fprintf(w, "tak_send_errors_total%s %d\n", label, s.SendErrors)
	fmt.Fprintf(w, "tak_last_send_latency_us%s %d\n", label, int64(s.LastLatency/time.Microsecond))
}
