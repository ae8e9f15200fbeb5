package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

const streamColumns = `id, name, plugin_type, poll_interval_s, is_active, plugin_config,
	default_cot_type, cot_type_mode, enable_callsign_mapping, callsign_identifier_field,
	callsign_error_handling, enable_per_callsign_cot_types, last_poll, last_error,
	total_messages_sent, config_version, created_at, updated_at`

// CreateStream validates and inserts st, assigning its ID, ConfigVersion,
// and timestamps.
func (s *Store) CreateStream(ctx context.Context, st *model.Stream) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("store: create stream: %w", err)
	}

	cfgJSON, err := s.marshalPluginConfig(st.PluginConfig)
	if err != nil {
		return err
	}

	now := time.Now()
	st.ConfigVersion = now.UnixNano()
	st.CreatedAt = now
	st.UpdatedAt = now

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO streams (name, plugin_type, poll_interval_s, is_active, plugin_config,
				default_cot_type, cot_type_mode, enable_callsign_mapping, callsign_identifier_field,
				callsign_error_handling, enable_per_callsign_cot_types, total_messages_sent,
				config_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			RETURNING id`),
			st.Name, st.PluginType, int64(st.PollInterval/time.Second), st.IsActive, cfgJSON,
			st.DefaultCoTType, string(st.CoTTypeMode), st.EnableCallsignMapping, st.CallsignIdentifierField,
			string(st.CallsignErrorHandling), st.EnablePerCallsignCoTType,
			st.ConfigVersion, fmtTime(now), fmtTime(now),
		)
		if err := row.Scan(&st.ID); err != nil {
			return fmt.Errorf("store: insert stream: %w", err)
		}
		return s.replaceStreamServers(ctx, tx, st.ID, st.TAKServerIDs)
	})
	return err
}

// GetStream loads one stream with its destination server ids and decrypted
// plugin config.
func (s *Store) GetStream(ctx context.Context, id int64) (*model.Stream, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+streamColumns+` FROM streams WHERE id = ?`), id)
	st, err := s.scanStream(row)
	if err != nil {
		return nil, err
	}
	if st.TAKServerIDs, err = s.streamServerIDs(ctx, id); err != nil {
		return nil, err
	}
	return st, nil
}

// GetStreamVersion returns just the stream's config_version; the worker polls
// this at every tick to detect hot reloads cheaply.
func (s *Store) GetStreamVersion(ctx context.Context, id int64) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT config_version FROM streams WHERE id = ?`), id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: stream version: %w", err)
	}
	return v, nil
}

// ListStreams returns all streams ordered by name, without server-id sets.
func (s *Store) ListStreams(ctx context.Context) ([]model.Stream, error) {
	return s.listStreams(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY name`)
}

// ListActiveStreams returns the streams the manager should run, with their
// server-id sets populated.
func (s *Store) ListActiveStreams(ctx context.Context) ([]model.Stream, error) {
	streams, err := s.listStreams(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for i := range streams {
		if streams[i].TAKServerIDs, err = s.streamServerIDs(ctx, streams[i].ID); err != nil {
			return nil, err
		}
	}
	return streams, nil
}

func (s *Store) listStreams(ctx context.Context, query string) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		st, err := s.scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// DeleteStream removes the stream; mappings and server links cascade.
func (s *Store) DeleteStream(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM streams WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPoll stores the stream's last poll time. It does not touch
// config_version; poll bookkeeping is not a configuration change.
func (s *Store) RecordPoll(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE streams SET last_poll = ? WHERE id = ?`), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("store: record poll: %w", err)
	}
	return nil
}

// AddMessagesSent increments the stream's delivered-message counter.
func (s *Store) AddMessagesSent(ctx context.Context, id int64, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE streams SET total_messages_sent = total_messages_sent + ? WHERE id = ?`), n, id)
	if err != nil {
		return fmt.Errorf("store: add messages sent: %w", err)
	}
	return nil
}

// SetLastError records the stream's most recent iteration error.
func (s *Store) SetLastError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE streams SET last_error = ? WHERE id = ?`), msg, id)
	if err != nil {
		return fmt.Errorf("store: set last error: %w", err)
	}
	return nil
}

// ClearLastError clears the stream's recorded error.
func (s *Store) ClearLastError(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE streams SET last_error = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: clear last error: %w", err)
	}
	return nil
}

// --- internals ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanStream(r rowScanner) (*model.Stream, error) {
	var (
		st           model.Stream
		pollSeconds  int64
		cfgJSON      string
		cotMode      string
		errMode      string
		lastPoll     sql.NullString
		lastError    sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := r.Scan(
		&st.ID, &st.Name, &st.PluginType, &pollSeconds, &st.IsActive, &cfgJSON,
		&st.DefaultCoTType, &cotMode, &st.EnableCallsignMapping, &st.CallsignIdentifierField,
		&errMode, &st.EnablePerCallsignCoTType, &lastPoll, &lastError,
		&st.TotalMessagesSent, &st.ConfigVersion, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan stream: %w", err)
	}

	st.PollInterval = time.Duration(pollSeconds) * time.Second
	st.CoTTypeMode = model.CoTTypeMode(cotMode)
	st.CallsignErrorHandling = model.CallsignErrorMode(errMode)
	if lastPoll.Valid {
		t := parseTime(lastPoll.String)
		st.LastPoll = &t
	}
	if lastError.Valid {
		e := lastError.String
		st.LastError = &e
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)

	if st.PluginConfig, err = s.unmarshalPluginConfig(cfgJSON); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) streamServerIDs(ctx context.Context, streamID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT tak_server_id FROM stream_tak_servers WHERE stream_id = ? ORDER BY tak_server_id`), streamID)
	if err != nil {
		return nil, fmt.Errorf("store: stream servers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan server id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) replaceStreamServers(ctx context.Context, tx *sql.Tx, streamID int64, serverIDs []int64) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM stream_tak_servers WHERE stream_id = ?`), streamID); err != nil {
		return fmt.Errorf("store: clear stream servers: %w", err)
	}
	for _, sid := range serverIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO stream_tak_servers (stream_id, tak_server_id) VALUES (?, ?)`), streamID, sid); err != nil {
			return fmt.Errorf("store: link stream %d to server %d: %w", streamID, sid, err)
		}
	}
	return nil
}

// marshalPluginConfig encrypts sensitive values and serializes the config,
// enforcing the size cap.
func (s *Store) marshalPluginConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	enc, err := s.crypt.EncryptConfig(cfg)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("store: marshal plugin config: %w", err)
	}
	if len(b) > 64*1024 {
		return "", fmt.Errorf("store: plugin config is %d bytes, limit %d", len(b), 64*1024)
	}
	return string(b), nil
}

func (s *Store) unmarshalPluginConfig(raw string) (map[string]any, error) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("store: parse plugin config: %w", err)
	}
	return s.crypt.DecryptConfig(cfg)
}

// withTx runs fn in a transaction, committing on nil and rolling back on
// error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
