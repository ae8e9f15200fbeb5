package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned by AcquireLock when another process already holds the
// data-directory lock.
var ErrLocked = errors.New("store: data directory locked by another process")

// FileLock is an advisory exclusive lock on the data directory. SQLite
// deployments must hold it for the life of the process so a second instance
// cannot corrupt the database or double-run streams.
type FileLock struct {
	path string
	f    *os.File
}

// AcquireLock takes a non-blocking exclusive flock on
// <dataDir>/trakbridge.lock. It fails immediately with ErrLocked when the
// lock is held elsewhere.
func AcquireLock(dataDir string) (*FileLock, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "trakbridge.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("store: open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("store: flock %s: %w", path, err)
	}

	// Best effort; the flock is the authority, the pid is for operators.
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &FileLock{path: path, f: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	_ = os.Remove(l.path)
	return err
}

// Bootstrap performs one-time initialization: on the first call it generates
// an admin API token, records it, and returns (token, true). Later calls
// return ("", false); the token is shown exactly once. Two processes starting
// concurrently race on the insert; the loser observes zero affected rows and
// continues as already-bootstrapped.
func (s *Store) Bootstrap(ctx context.Context) (string, bool, error) {
	var token string
	var created bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT admin_token FROM bootstrap WHERE id = 1`)).Scan(&existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: read bootstrap row: %w", err)
		}

		token = uuid.NewString()
		res, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO bootstrap (id, admin_token, completed_at) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO NOTHING`),
			token, fmtTime(time.Now()))
		if err != nil {
			return fmt.Errorf("store: insert bootstrap row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another process inserted between our read and write.
			return nil
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !created {
		return "", false, nil
	}
	return token, true, nil
}

// AdminToken returns the bootstrap admin token, or ErrNotFound before
// bootstrap has run.
func (s *Store) AdminToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT admin_token FROM bootstrap WHERE id = 1`)).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read admin token: %w", err)
	}
	return token, nil
}
