package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trakbridge/trakbridge/internal/model"
)

// ListCallsignMappings returns the stream's mapping set ordered by
// identifier.
func (s *Store) ListCallsignMappings(ctx context.Context, streamID int64) ([]model.CallsignMapping, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, stream_id, identifier_value, custom_callsign, cot_type, enabled
		FROM callsign_mappings WHERE stream_id = ? ORDER BY identifier_value`), streamID)
	if err != nil {
		return nil, fmt.Errorf("store: list callsign mappings: %w", err)
	}
	defer rows.Close()

	var out []model.CallsignMapping
	for rows.Next() {
		var m model.CallsignMapping
		if err := rows.Scan(&m.ID, &m.StreamID, &m.IdentifierValue,
			&m.CustomCallsign, &m.CoTType, &m.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan callsign mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertCallsignMapping inserts or replaces the mapping for
// (stream_id, identifier_value). A change to the mapping set is a
// configuration change, so the stream's config_version is bumped in the same
// transaction to trigger worker hot reload.
func (s *Store) UpsertCallsignMapping(ctx context.Context, m *model.CallsignMapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: upsert callsign mapping: %w", err)
	}

	_, err := s.updateStreamSafelyTx(ctx, m.StreamID, func(tx *sql.Tx, _ *model.Stream) error {
		row := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO callsign_mappings (stream_id, identifier_value, custom_callsign, cot_type, enabled)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (stream_id, identifier_value)
			DO UPDATE SET custom_callsign = EXCLUDED.custom_callsign,
				cot_type = EXCLUDED.cot_type, enabled = EXCLUDED.enabled
			RETURNING id`),
			m.StreamID, m.IdentifierValue, m.CustomCallsign, m.CoTType, m.Enabled)
		return row.Scan(&m.ID)
	})
	return err
}

// DeleteCallsignMapping removes one mapping and bumps the stream's
// config_version.
func (s *Store) DeleteCallsignMapping(ctx context.Context, streamID int64, identifier string) error {
	_, err := s.updateStreamSafelyTx(ctx, streamID, func(tx *sql.Tx, _ *model.Stream) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM callsign_mappings WHERE stream_id = ? AND identifier_value = ?`),
			streamID, identifier)
		if err != nil {
			return fmt.Errorf("store: delete callsign mapping: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return err
}
