package testutil

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5"
)

// PostgresTestDSN is the environment variable naming a live PostgreSQL
// instance integration tests may connect through. Tests that need a real
// backend call RequirePostgresDSN and skip cleanly when it is unset, rather
// than failing in environments with no database available.
const PostgresTestDSN = "PGDEBUGPROXY_TEST_POSTGRES_DSN"

// RequirePostgresDSN returns the DSN from PGDEBUGPROXY_TEST_POSTGRES_DSN, or
// skips the test if it isn't set.
func RequirePostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(PostgresTestDSN)
	if dsn == "" {
		t.Skipf("%s not set; skipping test that requires a live PostgreSQL backend", PostgresTestDSN)
	}
	return dsn
}

// DialPostgres connects to dsn with pgx and fails the test on error. Used
// only to drive a real backend through its own handshake in tests that
// exercise the proxy end-to-end; the proxy itself never uses pgx as a
// client driver.
func DialPostgres(ctx context.Context, t *testing.T, dsn string) *pgx.Conn {
	t.Helper()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close(ctx) })
	return conn
}

// BackendHostPort extracts the host:port pair dsn names, so a scenario test
// can point a Listener's target address at the same real backend the DSN
// describes without the proxy code itself ever parsing a connection string.
func BackendHostPort(t *testing.T, dsn string) string {
	t.Helper()
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parsing postgres DSN %q: %v", dsn, err)
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// ProxyConnConfig parses dsn and rewrites its host/port to proxyHost/
// proxyPort, returning a *pgx.ConnConfig ready for DialPostgresConfig. Used
// to drive a real PostgreSQL client through this proxy's primary listener or
// a Session's debug listener, instead of straight at the backend.
func ProxyConnConfig(t *testing.T, dsn, proxyHost string, proxyPort int) *pgx.ConnConfig {
	t.Helper()
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parsing postgres DSN %q: %v", dsn, err)
	}
	cfg.Host = proxyHost
	cfg.Port = uint16(proxyPort)
	return cfg
}

// DialPostgresConfig connects using an already-built *pgx.ConnConfig (see
// ProxyConnConfig) and fails the test on error.
func DialPostgresConfig(ctx context.Context, t *testing.T, cfg *pgx.ConnConfig) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to test postgres through proxy at %s:%d: %v", cfg.Host, cfg.Port, err)
	}
	t.Cleanup(func() { conn.Close(ctx) })
	return conn
}
