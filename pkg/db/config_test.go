package db

import (
	"strings"
	"testing"

	"github.com/smallbiznis/movepoint/internal/config"
)

func TestConfigFromDefaultsToPostgres(t *testing.T) {
	c := configFrom(config.Config{DBHost: "db", DBPort: "5432", DBName: "movepoint", DBUser: "svc", DBSSLMode: "disable"})
	if c.Type != "postgres" {
		t.Fatalf("expected postgres, got %q", c.Type)
	}
	dsn := c.postgresDSN()
	for _, part := range []string{"host=db", "dbname=movepoint", "sslmode=disable", "TimeZone=UTC"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}

func TestSQLiteDSNAddsBusyTimeout(t *testing.T) {
	if got := (Config{}).sqliteDSN(); got != "movepoint.db?_busy_timeout=5000" {
		t.Fatalf("unexpected default dsn %q", got)
	}
	if got := (Config{Name: "file:local.db?cache=shared"}).sqliteDSN(); got != "file:local.db?cache=shared&_busy_timeout=5000" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
