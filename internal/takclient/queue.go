package takclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultCapacity bounds the queue when no capacity is configured.
	defaultCapacity = 1000
	// defaultStaleWindow is the wall-clock age past which a queued frame is
	// discarded instead of sent.
	defaultStaleWindow = 60 * time.Second
	// maxSendAttempts is how many times the sender tries one frame before
	// dropping it.
	maxSendAttempts = 3
)

// Frame is one serialized CoT event bound for a TAK server. UID is the
// event's stable device identifier, used for replacement.
type Frame struct {
	UID        string
	Payload    []byte
	EnqueuedAt time.Time
}

// QueueConfig configures a per-destination queue.
type QueueConfig struct {
	Capacity    int
	StaleWindow time.Duration
	Logger      *slog.Logger
}

// Queue is a bounded FIFO of frames for one destination with
// replacement-on-enqueue: at most one queued frame per uid, newest wins.
// Enqueue never blocks; overflow drops the oldest frame. A single sender
// goroutine drains the head into the destination's Conn.
type Queue struct {
	capacity    int
	staleWindow time.Duration
	logger      *slog.Logger
	metrics     *Metrics

	mu     sync.Mutex
	frames []Frame

	// notify wakes the sender; 1-buffered so producers never block on it.
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = defaultStaleWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		capacity:    cfg.Capacity,
		staleWindow: cfg.StaleWindow,
		logger:      cfg.Logger,
		metrics:     &Metrics{},
		notify:      make(chan struct{}, 1),
	}
}

// Enqueue accepts frames in order. For each frame, any queued frame with the
// same uid is removed first (replacement, not accumulation); at capacity the
// oldest frame is dropped. Producers are never blocked.
func (q *Queue) Enqueue(frames ...Frame) {
	if len(frames) == 0 {
		return
	}

	q.mu.Lock()
	for _, f := range frames {
		if f.EnqueuedAt.IsZero() {
			f.EnqueuedAt = time.Now()
		}

		for i, queued := range q.frames {
			if queued.UID == f.UID {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				q.metrics.Replaced.Add(1)
				break
			}
		}

		q.frames = append(q.frames, f)
		q.metrics.Enqueued.Add(1)

		if len(q.frames) > q.capacity {
			q.frames = q.frames[1:]
			q.metrics.DroppedFull.Add(1)
		}
	}
	q.metrics.Depth.Store(int64(len(q.frames)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depth returns the number of queued frames.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Metrics returns the queue's counters.
func (q *Queue) Metrics() *Metrics {
	return q.metrics
}

// pop removes and returns the head frame.
func (q *Queue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	q.metrics.Depth.Store(int64(len(q.frames)))
	return f, true
}

// RunSender drains the queue into conn until ctx is cancelled. Each frame is
// sent at most maxSendAttempts times; frames older than the freshness window
// are discarded instead of sent. RunSender returns once ctx is done.
func (q *Queue) RunSender(ctx context.Context, conn *Conn) {
	for {
		f, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		q.sendOne(ctx, conn, f)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// sendOne delivers one frame with the per-frame retry budget.
func (q *Queue) sendOne(ctx context.Context, conn *Conn, f Frame) {
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if time.Since(f.EnqueuedAt) > q.staleWindow {
			q.metrics.DroppedStale.Add(1)
			return
		}

		start := time.Now()
		err := q.sendWithFreshness(ctx, conn, f)
		if err == nil {
			q.metrics.Sent.Add(1)
			q.metrics.LastLatency.Store(time.Since(start).Microseconds())
			return
		}

		// A frame that aged out while waiting for a reconnect is stale, not a
		// send failure.
		if errors.Is(err, context.DeadlineExceeded) && time.Since(f.EnqueuedAt) > q.staleWindow {
			q.metrics.DroppedStale.Add(1)
			return
		}

		q.metrics.SendErrors.Add(1)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
			return
		}

		q.logger.Warn("tak send failed",
			slog.String("uid", f.UID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	// Retry budget exhausted; the device's next position will supersede it.
}

// sendWithFreshness bounds one send attempt so a frame cannot sit in
// Conn.Send waiting for a reconnect past its freshness window.
func (q *Queue) sendWithFreshness(ctx context.Context, conn *Conn, f Frame) error {
	deadline := f.EnqueuedAt.Add(q.staleWindow)
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return conn.Send(sendCtx, f.Payload)
}
