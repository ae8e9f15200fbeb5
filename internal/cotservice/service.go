// Package cotservice owns every outbound TAK destination: one persistent
// connection plus one bounded frame queue per TAK server, created lazily on
// first use and garbage-collected after a linger period with no traffic.
// Stream workers hold only server ids; the service is the single owner of
// sockets and senders.
package cotservice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/takclient"
)

const (
	// defaultLinger is how long an unreferenced destination is kept alive.
	defaultLinger = 5 * time.Minute
	// defaultDrainGrace bounds the shutdown drain.
	defaultDrainGrace = 10 * time.Second
	// gcInterval is how often idle destinations are scanned.
	gcInterval = time.Minute
)

// ServerLoader resolves TAK server configuration at first use and on reload.
type ServerLoader interface {
	GetTAKServer(ctx context.Context, id int64) (*model.TAKServer, error)
}

// Config configures the service.
type Config struct {
	QueueCapacity    int
	StaleFrameWindow time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	Linger           time.Duration
	DrainGrace       time.Duration
	Logger           *slog.Logger
}

// destination bundles one server's connection, queue, and sender goroutine.
type destination struct {
	server   model.TAKServer
	conn     *takclient.Conn
	queue    *takclient.Queue
	cancel   context.CancelFunc
	done     chan struct{}
	lastUsed time.Time
}

// Service is the process-wide CoT delivery service.
type Service struct {
	cfg    Config
	loader ServerLoader
	logger *slog.Logger

	// mu guards only the destination map; destinations synchronize
	// themselves.
	mu    sync.Mutex
	dests map[int64]*destination

	stopCh   chan struct{}
	stopOnce sync.Once
	gcDone   chan struct{}
}

// New creates the service and starts the idle-destination GC loop.
func New(cfg Config, loader ServerLoader) *Service {
	if cfg.Linger <= 0 {
		cfg.Linger = defaultLinger
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		loader: loader,
		logger: cfg.Logger,
		dests:  make(map[int64]*destination),
		stopCh: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Enqueue routes frames to each destination's queue, opening destinations on
// first reference. Frames are queued in input order per destination; the
// call never blocks on delivery. The only error is a destination that cannot
// be resolved from the store.
func (s *Service) Enqueue(ctx context.Context, frames []takclient.Frame, serverIDs []int64) error {
	if len(frames) == 0 {
		return nil
	}

	for _, id := range serverIDs {
		d, err := s.destination(ctx, id)
		if err != nil {
			return err
		}
		d.queue.Enqueue(frames...)
	}
	return nil
}

// destination returns the live destination for id, creating it when first
// referenced.
func (s *Service) destination(ctx context.Context, id int64) (*destination, error) {
	s.mu.Lock()
	if d, ok := s.dests[id]; ok {
		d.lastUsed = time.Now()
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	// Load outside the lock; the store call may block.
	server, err := s.loader.GetTAKServer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cotservice: load tak server %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another caller may have created it while we loaded.
	if d, ok := s.dests[id]; ok {
		d.lastUsed = time.Now()
		return d, nil
	}

	d := s.openDestination(*server)
	s.dests[id] = d
	return d, nil
}

// openDestination builds the conn, queue, and sender for one server.
// Caller holds s.mu.
func (s *Service) openDestination(server model.TAKServer) *destination {
	conn := takclient.NewConn(takclient.ConnConfig{
		Server:      server,
		BackoffBase: s.cfg.BackoffBase,
		BackoffCap:  s.cfg.BackoffCap,
		Logger:      s.logger,
	})
	queue := takclient.NewQueue(takclient.QueueConfig{
		Capacity:    s.cfg.QueueCapacity,
		StaleWindow: s.cfg.StaleFrameWindow,
		Logger:      s.logger.With(slog.String("tak_server", server.Name)),
	})

	senderCtx, cancel := context.WithCancel(context.Background())
	d := &destination{
		server:   server,
		conn:     conn,
		queue:    queue,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastUsed: time.Now(),
	}
	go func() {
		defer close(d.done)
		queue.RunSender(senderCtx, conn)
	}()

	s.logger.Info("tak destination opened",
		slog.String("tak_server", server.Name),
		slog.String("addr", server.Addr()),
	)
	return d
}

// closeDestination stops the sender and closes the connection.
func (s *Service) closeDestination(d *destination) {
	d.cancel()
	<-d.done
	d.conn.Close()
}

// ReloadServer invalidates and rebuilds the destination for id, used when a
// TAK server's configuration changes. Queued frames on the old destination
// are discarded; producers repopulate with current state on the next poll.
func (s *Service) ReloadServer(ctx context.Context, id int64) error {
	s.mu.Lock()
	old, ok := s.dests[id]
	if ok {
		delete(s.dests, id)
	}
	s.mu.Unlock()

	if ok {
		s.closeDestination(old)
		s.logger.Info("tak destination reloaded", slog.Int64("tak_server_id", id))
	}

	// Rebuild eagerly so a broken config surfaces now, not on next enqueue.
	_, err := s.destination(ctx, id)
	return err
}

// ConnectionsOpen returns the number of live destinations.
func (s *Service) ConnectionsOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dests)
}

// DestinationHealth is the per-destination health view.
type DestinationHealth struct {
	ServerID   int64              `json:"server_id"`
	ServerName string             `json:"server_name"`
	Connection takclient.Health   `json:"connection"`
	Queue      takclient.Snapshot `json:"queue"`
}

// Health returns health for the given destinations. Destinations that were
// never opened are omitted.
func (s *Service) Health(serverIDs []int64) []DestinationHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DestinationHealth
	for _, id := range serverIDs {
		d, ok := s.dests[id]
		if !ok {
			continue
		}
		out = append(out, DestinationHealth{
			ServerID:   id,
			ServerName: d.server.Name,
			Connection: d.conn.Health(),
			Queue:      d.queue.Metrics().Snapshot(),
		})
	}
	return out
}

// WriteMetrics writes every destination's counters in Prometheus text form.
func (s *Service) WriteMetrics(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dests {
		d.queue.Metrics().WriteTo(w, d.server.Name)
	}
}

// gcLoop closes destinations that have not been referenced within the linger
// period.
func (s *Service) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.cfg.Linger)
		var idle []*destination

		s.mu.Lock()
		for id, d := range s.dests {
			if d.lastUsed.Before(cutoff) && d.queue.Depth() == 0 {
				delete(s.dests, id)
				idle = append(idle, d)
			}
		}
		s.mu.Unlock()

		for _, d := range idle {
			s.closeDestination(d)
			s.logger.Info("idle tak destination closed",
				slog.String("tak_server", d.server.Name))
		}
	}
}

// Shutdown drains all queues up to the drain grace, then stops every sender
// and closes every connection. After Shutdown returns no frame is written to
// any socket.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.gcDone

	s.mu.Lock()
	dests := make([]*destination, 0, len(s.dests))
	for id, d := range s.dests {
		delete(s.dests, id)
		dests = append(dests, d)
	}
	s.mu.Unlock()

	// Bounded drain: give senders a chance to flush what is already queued.
	deadline := time.Now().Add(s.cfg.DrainGrace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		remaining := 0
		for _, d := range dests {
			remaining += d.queue.Depth()
		}
		if remaining == 0 {
			break
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, d := range dests {
		s.closeDestination(d)
	}
	s.logger.Info("cot service shut down", slog.Int("destinations", len(dests)))
}
