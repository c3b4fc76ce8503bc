package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

func TestApplyMigrationsIdempotent(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "nested", "signal.db"))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer d.Close()

	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(d); err != nil {
			t.Fatalf("ApplyMigrations run %d: %v", i+1, err)
		}
	}

	for _, col := range []string{"external_ref", "failure_reason", "result_value"} {
		ok, err := columnExists(d.DB, "orders", col)
		if err != nil {
			t.Fatalf("columnExists(%s): %v", col, err)
		}
		if !ok {
			t.Fatalf("orders.%s missing after migration", col)
		}
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInMemoryDatabase(t *testing.T) {
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer d.Close()
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	if _, err := d.DB.Exec(`INSERT INTO pair_leases (lease_key, owner, expires_at_ns) VALUES ('a', 'w1', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var owner string
	if err := d.DB.QueryRow(`SELECT owner FROM pair_leases WHERE lease_key = 'a'`).Scan(&owner); err != nil {
		t.Fatalf("select: %v", err)
	}
	if owner != "w1" {
		t.Fatalf("owner=%q, expected w1", owner)
	}
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
