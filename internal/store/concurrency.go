package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/trakbridge/trakbridge/internal/model"
)

// ErrConcurrency is returned by UpdateStreamSafely when the database kept
// reporting a concurrency conflict after all retries.
var ErrConcurrency = errors.New("store: concurrent update conflict")

const (
	updateRetries  = 3
	retryJitterMin = 50 * time.Millisecond
	retryJitterMax = 250 * time.Millisecond
)

// pgConcurrencyCodes are the PostgreSQL SQLSTATEs unified into the
// Concurrency kind: serialization_failure and deadlock_detected.
var pgConcurrencyCodes = map[string]bool{
	"40001": true,
	"40P01": true,
}

// concurrencyPatterns are message substrings that signal a concurrency
// conflict on drivers that do not expose structured codes: SQLite busy/locked
// states and MySQL/MariaDB deadlock and lock-wait errors.
var concurrencyPatterns = []string{
	"database is locked",
	"database table is locked",
	"SQLITE_BUSY",
	"Deadlock found when trying to get lock",
	"Lock wait timeout exceeded",
}

// errOptimisticRace marks an update whose config_version check matched no
// row: another writer won the race between our read and write.
var errOptimisticRace = errors.New("optimistic version check failed")

// isConcurrencyError reports whether err is a database concurrency conflict
// in any supported dialect.
func isConcurrencyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errOptimisticRace) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgConcurrencyCodes[pgErr.Code]
	}

	msg := err.Error()
	for _, p := range concurrencyPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// UpdateStreamSafely loads the stream, applies mutator to it, and persists
// the result with a config_version bump, all inside one transaction. When
// the database reports a concurrency conflict the whole load-mutate-persist
// cycle is retried up to 3 times with a 50–250 ms jittered sleep; on final
// failure ErrConcurrency is returned and nothing was changed.
func (s *Store) UpdateStreamSafely(ctx context.Context, id int64, mutator func(*model.Stream) error) (*model.Stream, error) {
	return s.updateStreamSafelyTx(ctx, id, func(_ *sql.Tx, st *model.Stream) error {
		return mutator(st)
	})
}

// updateStreamSafelyTx is the transaction-aware form used by operations that
// must write additional rows (callsign mappings) inside the same retry cycle.
func (s *Store) updateStreamSafelyTx(ctx context.Context, id int64, mutator func(*sql.Tx, *model.Stream) error) (*model.Stream, error) {
	var lastErr error

	for attempt := 0; attempt <= updateRetries; attempt++ {
		if attempt > 0 {
			jitter := retryJitterMin + time.Duration(rand.Int63n(int64(retryJitterMax-retryJitterMin)))
			s.logger.Debug("retrying stream update after conflict",
				slog.Int64("stream_id", id),
				slog.Int("attempt", attempt),
				slog.Duration("sleep", jitter),
			)
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		st, err := s.updateStreamOnce(ctx, id, mutator)
		if err == nil {
			return st, nil
		}
		if !isConcurrencyError(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrConcurrency, lastErr)
}

// updateStreamOnce is a single load-mutate-persist cycle.
func (s *Store) updateStreamOnce(ctx context.Context, id int64, mutator func(*sql.Tx, *model.Stream) error) (*model.Stream, error) {
	var updated *model.Stream

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+streamColumns+` FROM streams WHERE id = ?`), id)
		st, err := s.scanStream(row)
		if err != nil {
			return err
		}

		// Server links are read inside the transaction so the mutator sees a
		// consistent snapshot.
		st.TAKServerIDs, err = s.streamServerIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}

		prevVersion := st.ConfigVersion
		if err := mutator(tx, st); err != nil {
			return err
		}
		if err := st.Validate(); err != nil {
			return fmt.Errorf("store: update stream: %w", err)
		}

		cfgJSON, err := s.marshalPluginConfig(st.PluginConfig)
		if err != nil {
			return err
		}

		now := time.Now()
		st.ConfigVersion = now.UnixNano()
		if st.ConfigVersion <= prevVersion {
			st.ConfigVersion = prevVersion + 1
		}
		st.UpdatedAt = now

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE streams SET
				name = ?, plugin_type = ?, poll_interval_s = ?, is_active = ?, plugin_config = ?,
				default_cot_type = ?, cot_type_mode = ?, enable_callsign_mapping = ?,
				callsign_identifier_field = ?, callsign_error_handling = ?,
				enable_per_callsign_cot_types = ?, config_version = ?, updated_at = ?
			WHERE id = ? AND config_version = ?`),
			st.Name, st.PluginType, int64(st.PollInterval/time.Second), st.IsActive, cfgJSON,
			st.DefaultCoTType, string(st.CoTTypeMode), st.EnableCallsignMapping,
			st.CallsignIdentifierField, string(st.CallsignErrorHandling),
			st.EnablePerCallsignCoTType, st.ConfigVersion, fmtTime(now),
			id, prevVersion,
		)
		if err != nil {
			return fmt.Errorf("store: update stream: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Version moved underneath us; the retry loop reloads and
			// reapplies the mutator.
			return fmt.Errorf("store: stream %d: %w", id, errOptimisticRace)
		}

		if err := s.replaceStreamServers(ctx, tx, id, st.TAKServerIDs); err != nil {
			return err
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) streamServerIDsTx(ctx context.Context, tx *sql.Tx, streamID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(
		`SELECT tak_server_id FROM stream_tak_servers WHERE stream_id = ? ORDER BY tak_server_id`), streamID)
	if err != nil {
		return nil, fmt.Errorf("store: stream servers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var sid int64
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("store: scan server id: %w", err)
		}
		ids = append(ids, sid)
	}
	return ids, rows.Err()
}
