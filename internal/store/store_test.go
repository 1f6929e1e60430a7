package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"actions", "steps", "actions_steps", "performances", "achievements", "jobs"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpenDriver_Unsupported(t *testing.T) {
	_, err := OpenDriver("mysql", "whatever")
	if err == nil {
		t.Error("expected error for unsupported driver, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := map[string]string{
		"/tmp/a.db":                   "/tmp/a.db?_txlock=immediate",
		"/tmp/a.db?cache=shared":      "/tmp/a.db?cache=shared&_txlock=immediate",
		"/tmp/a.db?_txlock=exclusive": "/tmp/a.db?_txlock=exclusive",
	}
	for in, want := range tests {
		if got := sqliteDSN(in); got != want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := createTestStore(t)
	// ON = 1
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

// Schema tests

func TestSchema_UniqueIndexes(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		table   string
		columns string
	}{
		{"performances", "concurrency_key"},
		{"performances", "action_id"},
		{"achievements", "checksum_key"},
		{"steps", "action_id,definition_index"},
		{"actions_steps", "action_id,step_id"},
	}
	for _, tt := range tests {
		if !hasUniqueIndex(t, s.db, tt.table, tt.columns) {
			t.Errorf("%s missing unique index on (%s)", tt.table, tt.columns)
		}
	}
}

func TestSchema_PendingCountNonNegative(t *testing.T) {
	s := createTestStore(t)
	now := s.Now()

	_, err := s.db.Exec(`INSERT INTO actions (actor_type, actor_id, name, concurrency_key, checksum_key, created_at, updated_at)
		VALUES ('car', '1', 'drive', 'k', 'k', ?, ?)`, now, now)
	if err != nil {
		t.Fatalf("insert action: %v", err)
	}
	_, err = s.db.Exec(`INSERT INTO steps (action_id, definition_index, pending_actions_count, created_at, updated_at)
		VALUES (1, 0, -1, ?, ?)`, now, now)
	if err == nil {
		t.Error("expected CHECK constraint violation for negative pending count")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected error opening a database from a newer version")
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d after upgrade, want %d", version, currentSchemaVersion)
	}
}
