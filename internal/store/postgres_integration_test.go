//go:build integration

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trakbridge/trakbridge/internal/model"
)

// openPostgresStore spins up a disposable postgres container and opens the
// store against it, returning the DSN so tests can open further handles.
func openPostgresStore(t *testing.T) (*Store, string) {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("trakbridge"),
		postgres.WithUsername("trakbridge"),
		postgres.WithPassword("trakbridge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	crypt, err := NewFieldCrypt(testKey)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, dsn, crypt, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dsn
}

func TestPostgresStreamLifecycle(t *testing.T) {
	s, _ := openPostgresStore(t)
	ctx := context.Background()

	if s.IsSQLite() {
		t.Fatal("postgres DSN opened as sqlite")
	}

	srv := &model.TAKServer{
		Name: "tak-pg", Host: "tak.example.com", Port: 8089,
		Protocol: model.ProtocolTLS, VerifyServerCert: true,
	}
	if err := s.CreateTAKServer(ctx, srv); err != nil {
		t.Fatalf("CreateTAKServer: %v", err)
	}

	st := &model.Stream{
		Name:                  "pg-stream",
		PluginType:            "garmin",
		PollInterval:          time.Minute,
		IsActive:              true,
		PluginConfig:          map[string]any{"url": "https://share.garmin.com/x", "password": "hunter2"},
		DefaultCoTType:        "a-f-G-U-C",
		CoTTypeMode:           model.CoTTypePerStream,
		CallsignErrorHandling: model.CallsignFallback,
		TAKServerIDs:          []int64{srv.ID},
	}
	if err := s.CreateStream(ctx, st); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	got, err := s.GetStream(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PluginConfig["password"] != "hunter2" {
		t.Error("config not decrypted on load")
	}

	updated, err := s.UpdateStreamSafely(ctx, st.ID, func(m *model.Stream) error {
		m.PollInterval = 5 * time.Minute
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateStreamSafely: %v", err)
	}
	if updated.ConfigVersion <= st.ConfigVersion {
		t.Error("config_version not bumped")
	}

	m := &model.CallsignMapping{
		StreamID: st.ID, IdentifierValue: "IMEI-123",
		CustomCallsign: "Alpha-1", Enabled: true,
	}
	if err := s.UpsertCallsignMapping(ctx, m); err != nil {
		t.Fatalf("UpsertCallsignMapping: %v", err)
	}

	token, created, err := s.Bootstrap(ctx)
	if err != nil || !created || token == "" {
		t.Fatalf("Bootstrap: token=%q created=%v err=%v", token, created, err)
	}
}

func TestPostgresBootstrapConcurrent(t *testing.T) {
	a, dsn := openPostgresStore(t)
	ctx := context.Background()

	b, err := Open(ctx, dsn, nil, slog.Default())
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	// Two processes racing the first-run init: exactly one creates the token,
	// the loser continues without an error.
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		failed  atomic.Int32
	)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Bootstrap(ctx)
			if err != nil {
				t.Errorf("Bootstrap: %v", err)
				failed.Add(1)
				return
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatal("a concurrent starter died instead of continuing")
	}
	if created.Load() != 1 {
		t.Errorf("bootstrap ran %d times, want 1", created.Load())
	}
}
