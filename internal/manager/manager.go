// Package manager owns the stream→worker mapping for the process. Control
// operations (start, stop, restart, reload) are serialized per stream by a
// key lock that is never held across I/O; a health loop restarts workers that
// have gone silent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trakbridge/trakbridge/internal/config"
	"github.com/trakbridge/trakbridge/internal/cotservice"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/worker"
)

// ErrNotRunning is returned by Stop and Restart for a stream with no worker.
var ErrNotRunning = errors.New("manager: stream is not running")

// Store is the persistence surface the manager needs on top of the worker's.
type Store interface {
	worker.Store
	ListActiveStreams(ctx context.Context) ([]model.Stream, error)
	UpdateStreamSafely(ctx context.Context, id int64, mutator func(*model.Stream) error) (*model.Stream, error)
}

// running pairs a worker with its cancel handle.
type running struct {
	worker *worker.Worker
	cancel context.CancelFunc
}

// Manager starts and supervises stream workers.
type Manager struct {
	store   Store
	plugins worker.PluginSource
	cot     *cotservice.Service
	cfg     *config.Config
	logger  *slog.Logger

	// mu guards workers and keyLocks only; control operations do their I/O
	// outside of it.
	mu       sync.Mutex
	workers  map[int64]*running
	keyLocks map[int64]*sync.Mutex

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New builds the manager and starts its health loop.
func New(st Store, plugins worker.PluginSource, cot *cotservice.Service, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:      st,
		plugins:    plugins,
		cot:        cot,
		cfg:        cfg,
		logger:     logger,
		workers:    make(map[int64]*running),
		keyLocks:   make(map[int64]*sync.Mutex),
		healthDone: make(chan struct{}),
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	go m.healthLoop(healthCtx)
	return m
}

// streamLock returns the per-stream control lock, creating it on first use.
func (m *Manager) streamLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[id] = l
	}
	return l
}

// Start launches a worker for the stream if none is running. Idempotent.
func (m *Manager) Start(ctx context.Context, id int64) error {
	l := m.streamLock(id)
	l.Lock()
	defer l.Unlock()

	return m.startLocked(ctx, id)
}

// startLocked does the actual start; the caller holds the stream lock.
func (m *Manager) startLocked(ctx context.Context, id int64) error {
	m.mu.Lock()
	_, exists := m.workers[id]
	m.mu.Unlock()
	if exists {
		return nil
	}

	st, err := m.store.GetStream(ctx, id)
	if err != nil {
		return fmt.Errorf("manager: start stream %d: %w", id, err)
	}
	if !st.IsActive {
		return fmt.Errorf("manager: stream %d (%s) is not active", id, st.Name)
	}

	w := worker.New(worker.Config{
		Stream:          *st,
		Store:           m.store,
		Plugins:         m.plugins,
		Sink:            m.cot,
		DefaultStale:    m.cfg.Core.DefaultStale,
		BatchSize:       m.cfg.Core.TransformBatchSize,
		Parallelism:     m.cfg.Transform.Parallelism,
		TimeoutPerEvent: m.cfg.Transform.TimeoutPerEvent,
		DeviceStateTTL:  m.cfg.Core.DeviceStateTTL,
		Logger:          m.logger,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go w.Run(runCtx)

	m.mu.Lock()
	m.workers[id] = &running{worker: w, cancel: cancel}
	m.mu.Unlock()

	m.logger.Info("stream started", slog.Int64("stream_id", id), slog.String("stream", st.Name))
	return nil
}

// Stop cancels the stream's worker and joins it up to the worker grace.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	l := m.streamLock(id)
	l.Lock()
	defer l.Unlock()

	return m.stopLocked(ctx, id)
}

// stopLocked does the actual stop; the caller holds the stream lock.
func (m *Manager) stopLocked(ctx context.Context, id int64) error {
	m.mu.Lock()
	r, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	r.cancel()
	select {
	case <-r.worker.Done():
	case <-time.After(m.cfg.Core.WorkerGrace):
		m.logger.Warn("worker did not stop within grace, abandoning",
			slog.Int64("stream_id", id))
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("stream stopped", slog.Int64("stream_id", id))
	return nil
}

// Restart stops then starts the stream's worker.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	l := m.streamLock(id)
	l.Lock()
	defer l.Unlock()

	if err := m.stopLocked(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.startLocked(ctx, id)
}

// Reload hints the stream's worker to re-check its configuration. Safe to
// call frequently; a stream without a worker is a no-op.
func (m *Manager) Reload(id int64) {
	m.mu.Lock()
	r, ok := m.workers[id]
	m.mu.Unlock()
	if ok {
		r.worker.Nudge()
	}
}

// UpdateStreamSafely applies mutator through the store's optimistic retry
// cycle, then nudges the running worker so the change is observed on its next
// tick.
func (m *Manager) UpdateStreamSafely(ctx context.Context, id int64, mutator func(*model.Stream) error) (*model.Stream, error) {
	st, err := m.store.UpdateStreamSafely(ctx, id, mutator)
	if err != nil {
		return nil, err
	}
	m.Reload(id)
	return st, nil
}

// StartAll starts a worker for every active stream. Individual failures are
// logged and skipped so one broken stream cannot block boot.
func (m *Manager) StartAll(ctx context.Context) error {
	streams, err := m.store.ListActiveStreams(ctx)
	if err != nil {
		return fmt.Errorf("manager: list active streams: %w", err)
	}

	for _, st := range streams {
		if err := m.Start(ctx, st.ID); err != nil {
			m.logger.Error("stream failed to start",
				slog.Int64("stream_id", st.ID),
				slog.String("stream", st.Name),
				slog.Any("error", err),
			)
		}
	}
	m.logger.Info("streams started", slog.Int("count", len(streams)))
	return nil
}

// WorkerHealth returns the health of the stream's worker, or false when none
// is running.
func (m *Manager) WorkerHealth(id int64) (worker.Health, bool) {
	m.mu.Lock()
	r, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return worker.Health{}, false
	}
	return r.worker.Health(), true
}

// Running reports whether the stream currently has a worker.
func (m *Manager) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[id]
	return ok
}

// Summary is the aggregate view used by the health endpoint.
type Summary struct {
	Active  int `json:"active"`
	Errored int `json:"errored"`
}

// Summarize counts running and errored workers from a snapshot of the
// registry.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	workers := make([]*running, 0, len(m.workers))
	for _, r := range m.workers {
		workers = append(workers, r)
	}
	m.mu.Unlock()

	var s Summary
	for _, r := range workers {
		h := r.worker.Health()
		if h.Running {
			s.Active++
		}
		if h.LastError != "" || h.BreakerOpen {
			s.Errored++
		}
	}
	return s
}

// healthLoop restarts workers whose last successful poll is older than
// max(3×poll_interval, 60s).
func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.healthDone)
	ticker := time.NewTicker(m.cfg.Core.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		ids := make([]int64, 0, len(m.workers))
		for id := range m.workers {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			h, ok := m.WorkerHealth(id)
			if !ok || !h.Running {
				continue
			}

			st, err := m.store.GetStream(ctx, id)
			if err != nil {
				continue
			}
			maxSilence := 3 * st.PollInterval
			if maxSilence < time.Minute {
				maxSilence = time.Minute
			}

			// A worker with no poll yet is judged from nothing; skip until it
			// has produced one. Silent workers past the threshold restart.
			if h.LastPoll == nil || time.Since(*h.LastPoll) < maxSilence {
				continue
			}

			m.logger.Warn("worker silent past threshold, restarting",
				slog.Int64("stream_id", id),
				slog.Duration("silence", time.Since(*h.LastPoll)),
			)
			if err := m.Restart(ctx, id); err != nil {
				m.logger.Error("health restart failed",
					slog.Int64("stream_id", id),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Shutdown stops the health loop, cancels every worker, waits up to the
// manager grace for them to exit, then shuts the delivery service down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.healthCancel()
	<-m.healthDone

	m.mu.Lock()
	workers := make([]*running, 0, len(m.workers))
	for id, r := range m.workers {
		delete(m.workers, id)
		workers = append(workers, r)
	}
	m.mu.Unlock()

	for _, r := range workers {
		r.cancel()
	}

	deadline := time.After(m.cfg.Core.ManagerGrace)
	for _, r := range workers {
		select {
		case <-r.worker.Done():
		case <-deadline:
		case <-ctx.Done():
		}
	}

	m.cot.Shutdown(ctx)
	m.logger.Info("manager shut down", slog.Int("workers", len(workers)))
}

// ReloadTAKServer rebuilds the delivery destination for a changed TAK server.
func (m *Manager) ReloadTAKServer(ctx context.Context, id int64) error {
	return m.cot.ReloadServer(ctx, id)
}
