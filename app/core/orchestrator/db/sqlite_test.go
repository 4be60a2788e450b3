package db

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestNewSQLiteDBReturnsLockErrorWhenSchemaLocked(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, FileName)

	lockedConn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open lock connection: %v", err)
	}
	defer lockedConn.Close()

	if _, err := lockedConn.Exec(`CREATE TABLE IF NOT EXISTS lock_holder(id INTEGER PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("create lock table: %v", err)
	}

	if _, err := lockedConn.Exec(`BEGIN EXCLUSIVE`); err != nil {
		t.Fatalf("acquire exclusive lock: %v", err)
	}
	defer func() {
		_, _ = lockedConn.Exec(`ROLLBACK`)
	}()

	if _, err := lockedConn.Exec(`INSERT INTO lock_holder(value) VALUES('hold')`); err != nil {
		t.Fatalf("hold write lock: %v", err)
	}

	_, err = NewSQLiteDB(tempDir)
	if err == nil {
		t.Fatal("expected lock error, got nil")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "locked") {
		t.Fatalf("expected lock error, got: %v", err)
	}
}

func TestNewSQLiteDBRecordsSchemaVersionAndReopens(t *testing.T) {
	tempDir := t.TempDir()

	database, err := NewSQLiteDB(tempDir)
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("read schema version failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("close db failed: %v", err)
	}

	reopened, err := NewSQLiteDB(tempDir)
	if err != nil {
		t.Fatalf("reopen db failed: %v", err)
	}
	defer reopened.Close()

	for _, table := range []string{"tasks", "messages", "checkpoints", "script_results"} {
		var name string
		err := reopened.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestNewSQLiteDBUpgradesFromVersionOne(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, FileName)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin seed tx: %v", err)
	}
	if _, err := tx.Exec(`CREATE TABLE schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		t.Fatalf("create schema_meta: %v", err)
	}
	if err := migrateToTaskCoreSchema(tx); err != nil {
		t.Fatalf("seed v1 schema: %v", err)
	}
	if err := writeSchemaVersion(tx, 1); err != nil {
		t.Fatalf("write v1 version: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed tx: %v", err)
	}
	_ = conn.Close()

	database, err := NewSQLiteDB(tempDir)
	if err != nil {
		t.Fatalf("upgrade db failed: %v", err)
	}
	defer database.Close()

	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("read schema version failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected upgraded version 2, got %d", version)
	}
	matches, _ := filepath.Glob(dbPath + ".migration-*.bak")
	if len(matches) != 1 {
		t.Fatalf("expected one migration backup, got %v", matches)
	}
}
