package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trakbridge/trakbridge/internal/model"
)

const serverColumns = `id, name, host, port, protocol, client_cert_pem, client_key_pem,
	ca_cert_pem, tls_min_version, verify_server_cert`

// CreateTAKServer validates and inserts srv, assigning its ID.
func (s *Store) CreateTAKServer(ctx context.Context, srv *model.TAKServer) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("store: create tak server: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO tak_servers (name, host, port, protocol, client_cert_pem, client_key_pem,
			ca_cert_pem, tls_min_version, verify_server_cert)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		srv.Name, srv.Host, srv.Port, string(srv.Protocol), srv.ClientCertPEM, srv.ClientKeyPEM,
		srv.CACertPEM, srv.TLSMinVersion, srv.VerifyServerCert,
	)
	if err := row.Scan(&srv.ID); err != nil {
		return fmt.Errorf("store: insert tak server: %w", err)
	}
	return nil
}

// GetTAKServer loads one TAK server. It satisfies cotservice.ServerLoader.
func (s *Store) GetTAKServer(ctx context.Context, id int64) (*model.TAKServer, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+serverColumns+` FROM tak_servers WHERE id = ?`), id)
	return scanServer(row)
}

// ListTAKServers returns all TAK servers ordered by name.
func (s *Store) ListTAKServers(ctx context.Context) ([]model.TAKServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM tak_servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list tak servers: %w", err)
	}
	defer rows.Close()

	var out []model.TAKServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// UpdateTAKServer persists srv by id.
func (s *Store) UpdateTAKServer(ctx context.Context, srv *model.TAKServer) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("store: update tak server: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tak_servers SET name = ?, host = ?, port = ?, protocol = ?,
			client_cert_pem = ?, client_key_pem = ?, ca_cert_pem = ?,
			tls_min_version = ?, verify_server_cert = ?
		WHERE id = ?`),
		srv.Name, srv.Host, srv.Port, string(srv.Protocol), srv.ClientCertPEM,
		srv.ClientKeyPEM, srv.CACertPEM, srv.TLSMinVersion, srv.VerifyServerCert,
		srv.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update tak server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTAKServer removes the server; stream links cascade.
func (s *Store) DeleteTAKServer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tak_servers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete tak server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanServer(r rowScanner) (*model.TAKServer, error) {
	var (
		srv      model.TAKServer
		protocol string
	)
	err := r.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.Port, &protocol,
		&srv.ClientCertPEM, &srv.ClientKeyPEM, &srv.CACertPEM,
		&srv.TLSMinVersion, &srv.VerifyServerCert)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan tak server: %w", err)
	}
	srv.Protocol = model.Protocol(protocol)
	return &srv, nil
}
