// Package worker runs one polling pipeline per active stream: fetch from the
// provider, admit strictly-newer positions, resolve callsigns, transform to
// CoT frames, and hand them to the delivery service. The worker is the error
// boundary of the data plane; a failed iteration records last_error and the
// loop keeps ticking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trakbridge/trakbridge/internal/callsign"
	"github.com/trakbridge/trakbridge/internal/cot"
	"github.com/trakbridge/trakbridge/internal/cotservice"
	"github.com/trakbridge/trakbridge/internal/devstate"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/takclient"
)

const (
	// maxFetchTimeout caps the per-fetch deadline regardless of poll interval.
	maxFetchTimeout = 30 * time.Second
	// maxFetchAttempts bounds the in-iteration retry ladder for transient
	// upstream failures.
	maxFetchAttempts = 3
	// breakerThreshold is the consecutive-failure count that trips the
	// circuit breaker.
	breakerThreshold = 5
	// breakerFactor multiplies the poll interval while the breaker is open.
	breakerFactor = 4
)

// Store is the slice of the persistence layer the worker needs.
type Store interface {
	GetStream(ctx context.Context, id int64) (*model.Stream, error)
	GetStreamVersion(ctx context.Context, id int64) (int64, error)
	ListCallsignMappings(ctx context.Context, streamID int64) ([]model.CallsignMapping, error)
	RecordPoll(ctx context.Context, id int64, at time.Time) error
	AddMessagesSent(ctx context.Context, id int64, n int64) error
	SetLastError(ctx context.Context, id int64, msg string) error
	ClearLastError(ctx context.Context, id int64) error
}

// Sink is where transformed frames go.
type Sink interface {
	Enqueue(ctx context.Context, frames []takclient.Frame, serverIDs []int64) error
	Health(serverIDs []int64) []cotservice.DestinationHealth
}

// PluginSource resolves plugin types to implementations.
type PluginSource interface {
	Get(id string) (plugin.Plugin, error)
}

// Config wires one worker.
type Config struct {
	Stream  model.Stream
	Store   Store
	Plugins PluginSource
	Sink    Sink

	DefaultStale    time.Duration
	BatchSize       int
	Parallelism     int
	TimeoutPerEvent time.Duration
	DeviceStateTTL  time.Duration

	Logger *slog.Logger
}

// snapshot is one iteration's immutable view of the stream configuration.
type snapshot struct {
	stream   model.Stream
	plug     plugin.Plugin
	resolver *callsign.Resolver
}

// Health is the worker's observable state.
type Health struct {
	StreamID            int64                          `json:"stream_id"`
	StreamName          string                         `json:"stream_name"`
	Running             bool                           `json:"running"`
	LastPoll            *time.Time                     `json:"last_poll,omitempty"`
	LastError           string                         `json:"last_error,omitempty"`
	ConsecutiveFailures int                            `json:"consecutive_failures"`
	BreakerOpen         bool                           `json:"breaker_open"`
	Devices             int                            `json:"devices"`
	Deduped             int64                          `json:"deduped"`
	Destinations        []cotservice.DestinationHealth `json:"destinations"`
}

// Worker polls one stream. Run is called once, from its own goroutine; Nudge
// and Health may be called from anywhere.
type Worker struct {
	cfg     Config
	logger  *slog.Logger
	tracker *devstate.Tracker

	// nudge wakes the sleeping loop to re-check config_version; 1-buffered so
	// callers never block.
	nudge chan struct{}
	done  chan struct{}

	// mu guards the health fields, written by the worker goroutine and read
	// by Health.
	mu          sync.Mutex
	running     bool
	serverIDs   []int64
	streamName  string
	lastPoll    *time.Time
	lastError   string
	consecFails int
	breakerOpen bool
}

// New builds a worker for cfg.Stream.
func New(cfg Config) *Worker {
	if cfg.DefaultStale <= 0 {
		cfg.DefaultStale = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.TimeoutPerEvent <= 0 {
		cfg.TimeoutPerEvent = 2 * time.Second
	}
	if cfg.DeviceStateTTL <= 0 {
		cfg.DeviceStateTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.Int64("stream_id", cfg.Stream.ID),
			slog.String("stream", cfg.Stream.Name),
		),
		tracker:    devstate.New(),
		nudge:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		streamName: cfg.Stream.Name,
		serverIDs:  cfg.Stream.TAKServerIDs,
	}
}

// Nudge hints the worker to re-check its configuration before the next tick.
// Safe to call frequently and from any goroutine.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Health returns the worker's current state. After Run has returned it serves
// a terminal snapshot with Running=false.
func (w *Worker) Health() Health {
	w.mu.Lock()
	h := Health{
		StreamID:            w.cfg.Stream.ID,
		StreamName:          w.streamName,
		Running:             w.running,
		LastPoll:            w.lastPoll,
		LastError:           w.lastError,
		ConsecutiveFailures: w.consecFails,
		BreakerOpen:         w.breakerOpen,
	}
	serverIDs := w.serverIDs
	w.mu.Unlock()

	ds := w.tracker.Snapshot()
	h.Devices = ds.Devices
	h.Deduped = ds.Deduped
	h.Destinations = w.cfg.Sink.Health(serverIDs)
	return h
}

// publishHealth updates the fields Health reads.
func (w *Worker) publishHealth(running bool, snap *snapshot, lastPoll *time.Time,
	lastError string, consecFails int, breakerOpen bool) {

	w.mu.Lock()
	w.running = running
	if snap != nil {
		w.streamName = snap.stream.Name
		w.serverIDs = snap.stream.TAKServerIDs
	}
	w.lastPoll = lastPoll
	w.lastError = lastError
	w.consecFails = consecFails
	w.breakerOpen = breakerOpen
	w.mu.Unlock()
}

// Run executes the poll loop until ctx is cancelled or the stream goes
// inactive. It never returns an error: iteration failures are recorded on the
// stream and the loop continues.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	snap, err := w.loadSnapshot(ctx)
	if err != nil {
		w.logger.Error("worker cannot load initial config", slog.Any("error", err))
		w.recordError(ctx, err)
		return
	}

	w.logger.Info("worker started",
		slog.String("plugin", snap.stream.PluginType),
		slog.Duration("poll_interval", snap.stream.PollInterval),
	)

	var (
		lastPoll    *time.Time
		lastError   string
		consecFails int
	)
	w.publishHealth(true, &snap, lastPoll, lastError, consecFails, false)

	for {
		// Hot reload: a cheap version probe decides whether the full snapshot
		// is rebuilt.
		v, err := w.cfg.Store.GetStreamVersion(ctx, snap.stream.ID)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			w.logger.Warn("config version probe failed", slog.Any("error", err))
		case v != snap.stream.ConfigVersion:
			fresh, err := w.loadSnapshot(ctx)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous snapshot",
					slog.Any("error", err))
			} else {
				snap = fresh
				w.logger.Info("worker configuration reloaded",
					slog.Int64("config_version", snap.stream.ConfigVersion))
			}
		}

		if !snap.stream.IsActive {
			w.logger.Info("stream deactivated, worker exiting")
			return
		}

		admitted, iterErr := w.iterate(ctx, snap)
		now := time.Now()
		switch {
		case iterErr == nil:
			lastPoll = &now
			consecFails = 0
			if admitted > 0 {
				lastError = ""
			}
		case errors.Is(iterErr, context.Canceled):
			return
		default:
			consecFails++
			lastError = iterErr.Error()
			w.recordError(ctx, iterErr)
			w.logger.Warn("iteration failed",
				slog.Any("error", iterErr),
				slog.Int("consecutive_failures", consecFails),
			)
		}

		w.tracker.ForgetOlderThan(w.cfg.DeviceStateTTL)

		interval := snap.stream.PollInterval
		breakerOpen := consecFails >= breakerThreshold
		if breakerOpen {
			interval *= breakerFactor
			w.logger.Warn("circuit breaker open, stretching poll interval",
				slog.Duration("interval", interval))
		}
		w.publishHealth(true, &snap, lastPoll, lastError, consecFails, breakerOpen)

		if !w.sleep(ctx, interval) {
			return
		}
	}
}

// sleep waits for the next tick, a nudge, or cancellation. Returns false when
// the worker should exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.nudge:
		return true
	case <-ctx.Done():
		return false
	}
}

// loadSnapshot builds a fresh configuration snapshot from the store.
func (w *Worker) loadSnapshot(ctx context.Context) (snapshot, error) {
	st, err := w.cfg.Store.GetStream(ctx, w.cfg.Stream.ID)
	if err != nil {
		return snapshot{}, fmt.Errorf("worker: load stream %d: %w", w.cfg.Stream.ID, err)
	}

	plug, err := w.cfg.Plugins.Get(st.PluginType)
	if err != nil {
		return snapshot{}, fmt.Errorf("worker: stream %d: %w", st.ID, err)
	}

	mappings, err := w.cfg.Store.ListCallsignMappings(ctx, st.ID)
	if err != nil {
		return snapshot{}, fmt.Errorf("worker: load mappings for stream %d: %w", st.ID, err)
	}

	mappable, _ := plug.(plugin.CallsignMappable)
	resolver := callsign.New(callsign.Settings{
		Enabled:            st.EnableCallsignMapping,
		IdentifierField:    st.CallsignIdentifierField,
		ErrorHandling:      st.CallsignErrorHandling,
		PerCallsignCoTType: st.EnablePerCallsignCoTType,
	}, mappings, mappable)

	return snapshot{stream: *st, plug: plug, resolver: resolver}, nil
}

// iterate runs one poll cycle and returns the number of admitted locations.
func (w *Worker) iterate(ctx context.Context, snap snapshot) (int, error) {
	locs, err := w.fetch(ctx, snap)
	if err != nil {
		return 0, err
	}

	if err := w.cfg.Store.RecordPoll(ctx, snap.stream.ID, time.Now()); err != nil {
		w.logger.Warn("record poll failed", slog.Any("error", err))
	}

	// Admission gate: only strictly-newer events per device pass.
	fresh := locs[:0]
	for _, loc := range locs {
		if w.tracker.Admit(loc.UID, loc.Timestamp) {
			fresh = append(fresh, loc)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	// In per_stream mode plugin-declared types are overridden; clearing them
	// before resolution leaves only per-callsign overrides standing.
	if snap.stream.CoTTypeMode == model.CoTTypePerStream {
		for i := range fresh {
			fresh[i].CoTType = ""
		}
	}

	kept, stats := snap.resolver.Resolve(fresh)
	if stats.Skipped > 0 || stats.Disabled > 0 {
		w.logger.Debug("callsign resolution dropped locations",
			slog.Int("skipped", stats.Skipped),
			slog.Int("disabled", stats.Disabled),
		)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	frames := w.transform(ctx, snap, kept)
	if len(frames) == 0 {
		return 0, nil
	}

	if err := w.cfg.Sink.Enqueue(ctx, frames, snap.stream.TAKServerIDs); err != nil {
		return 0, fmt.Errorf("worker: enqueue: %w", err)
	}

	if err := w.cfg.Store.AddMessagesSent(ctx, snap.stream.ID, int64(len(frames))); err != nil {
		w.logger.Warn("message counter update failed", slog.Any("error", err))
	}
	if err := w.cfg.Store.ClearLastError(ctx, snap.stream.ID); err != nil {
		w.logger.Warn("clear last error failed", slog.Any("error", err))
	}
	return len(frames), nil
}

// fetch calls the plugin with the per-fetch timeout and the in-iteration
// retry ladder: rate limits sleep the advised duration (capped) and retry
// once; transient failures retry up to maxFetchAttempts with doubling
// in-iteration backoff; auth and config errors fail immediately.
func (w *Worker) fetch(ctx context.Context, snap snapshot) ([]plugin.Location, error) {
	timeout := snap.stream.PollInterval
	if timeout > maxFetchTimeout {
		timeout = maxFetchTimeout
	}

	backoff := time.Second
	rateLimitRetried := false

	for attempt := 1; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		locs, err := snap.plug.Fetch(fetchCtx, snap.stream.PluginConfig)
		cancel()
		if err == nil {
			return locs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch plugin.KindOf(err) {
		case plugin.KindRateLimited:
			if rateLimitRetried {
				return nil, err
			}
			rateLimitRetried = true
			wait := plugin.RetryAfterOf(err)
			if limit := 5 * snap.stream.PollInterval; wait <= 0 || wait > limit {
				wait = limit
			}
			w.logger.Warn("rate limited, sleeping before retry",
				slog.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
		case plugin.KindUnreachable, plugin.KindMalformed:
			if attempt >= maxFetchAttempts {
				return nil, err
			}
			w.logger.Debug("fetch failed, retrying within iteration",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff *= 2
		default:
			// Auth, config, and cancellation are not retriable here.
			return nil, err
		}
	}
}

// transform serializes locations to CoT frames in parallel batches, keeping
// input order. A failing parallel batch falls back to serial with one
// warning.
func (w *Worker) transform(ctx context.Context, snap snapshot, locs []plugin.Location) []takclient.Frame {
	out := make([]takclient.Frame, 0, len(locs))

	for start := 0; start < len(locs); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(locs) {
			end = len(locs)
		}
		batch := locs[start:end]

		frames, err := w.transformParallel(ctx, snap, batch)
		if err != nil {
			w.logger.Warn("parallel transform failed, falling back to serial",
				slog.Any("error", err))
			frames = w.transformSerial(snap, batch)
		}
		out = append(out, frames...)
	}
	return out
}

func (w *Worker) transformParallel(ctx context.Context, snap snapshot, batch []plugin.Location) ([]takclient.Frame, error) {
	frames := make([]takclient.Frame, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallelism)
	for i := range batch {
		i := i
		g.Go(func() error {
			evCtx, cancel := context.WithTimeout(gctx, w.cfg.TimeoutPerEvent)
			defer cancel()

			f, err := w.transformOne(evCtx, snap, &batch[i])
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

// transformSerial is the fallback path; it runs without per-event deadlines so
// a degraded batch still produces whatever frames it can.
func (w *Worker) transformSerial(snap snapshot, batch []plugin.Location) []takclient.Frame {
	frames := make([]takclient.Frame, 0, len(batch))
	for i := range batch {
		f, err := w.transformOne(context.Background(), snap, &batch[i])
		if err != nil {
			w.logger.Debug("event transform failed, skipping location",
				slog.String("uid", batch[i].UID),
				slog.Any("error", err),
			)
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// transformOne builds and serializes the CoT event for one location. It
// honors ctx so a batch past its per-event deadline stops instead of
// marshalling events nobody will enqueue.
func (w *Worker) transformOne(ctx context.Context, snap snapshot, loc *plugin.Location) (takclient.Frame, error) {
	if err := ctx.Err(); err != nil {
		return takclient.Frame{}, err
	}

	cotType := callsign.CoTTypeFor(loc, snap.stream.DefaultCoTType)

	ev := cot.New(loc.UID, cotType, loc.Timestamp, w.cfg.DefaultStale)
	ev.SetPosition(loc.Lat, loc.Lon, loc.Alt, loc.Accuracy)
	ev.SetContact(loc.Name)
	if loc.Course != nil || loc.Speed != nil {
		var course, speed float64
		if loc.Course != nil {
			course = *loc.Course
		}
		if loc.Speed != nil {
			speed = *loc.Speed
		}
		ev.SetTrack(course, speed)
	}
	ev.SetRemarks(loc.Remarks)

	payload, err := ev.Marshal()
	if err != nil {
		return takclient.Frame{}, err
	}
	return takclient.Frame{UID: loc.UID, Payload: payload, EnqueuedAt: time.Now()}, nil
}

// recordError persists the iteration error unless the context is gone.
func (w *Worker) recordError(ctx context.Context, iterErr error) {
	if ctx.Err() != nil {
		return
	}
	if err := w.cfg.Store.SetLastError(ctx, w.cfg.Stream.ID, iterErr.Error()); err != nil {
		w.logger.Warn("record last error failed", slog.Any("error", err))
	}
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
