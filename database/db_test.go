package database

import (
	"testing"

	"github.com/chxlky/orba/internal/config"
	"github.com/chxlky/orba/internal/models"
)

func TestSqliteDSN(t *testing.T) {
	cases := map[string]string{
		"orba.db":                      "orba.db?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000",
		"file:x?mode=memory":           "file:x?mode=memory&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000",
		"file:y?_foreign_keys=on":      "file:y?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000",
		"file:z?_txlock=exclusive":     "file:z?_txlock=exclusive&_foreign_keys=on&_busy_timeout=5000",
		"file:w?cache=shared&mode=rwc": "file:w?cache=shared&mode=rwc&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenMigratesModels(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: "file:dbtest?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	for _, m := range models.All() {
		if !db.Migrator().HasTable(m) {
			t.Fatalf("expected table for %T", m)
		}
	}
}
