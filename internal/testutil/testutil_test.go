package testutil

import (
	"strings"
	"testing"
)

func TestNewTestDSN(t *testing.T) {
	dsn := NewTestDSN("TestName")
	if !strings.Contains(dsn, "file:TestName?mode=memory&cache=shared") {
		t.Errorf("NewTestDSN did not generate expected DSN, got: %s", dsn)
	}
}

func TestSetupTestDB(t *testing.T) {
	db, cleanup := SetupTestDB(t, "TestSetupTestDB")
	defer cleanup()

	if db == nil {
		t.Fatal("Expected non-nil database")
	}

	// Verify database connection works
	err := db.Ping()
	if err != nil {
		t.Errorf("Database ping failed: %v", err)
	}

	// Test that we can execute a query
	var result string
	err = db.QueryRow("SELECT 'test'").Scan(&result)
	if err != nil {
		t.Errorf("Test query failed: %v", err)
	}
	if result != "test" {
		t.Errorf("Expected 'test', got '%s'", result)
	}
}

func TestSetupTestDBWithMigrations(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations")
	defer cleanup()

	// Verify migration tables exist (schema_migrations should be created by migrator)
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("Expected schema_migrations table to exist: %v", err)
	}

	tables := []string{"members", "member_mappings", "networks", "subnets", "ports"}
	for _, table := range tables {
		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("Error checking for table %s: %v", table, err)
		}
		if count == 0 {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

func TestSetupTestDBWithMigrations_TableCreation(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations_TableCreation")
	defer cleanup()

	// Test that we can insert data into created tables
	_, err := db.Exec("INSERT INTO members (id, name, role, status) VALUES (?, ?, ?, ?)", "m1", "m1.example.com", "Regular", "On")
	if err != nil {
		t.Errorf("Failed to insert into members table: %v", err)
	}

	var name string
	err = db.QueryRow("SELECT name FROM members WHERE id = ?", "m1").Scan(&name)
	if err != nil {
		t.Errorf("Failed to query from members table: %v", err)
	}
	if name != "m1.example.com" {
		t.Errorf("Unexpected name %s", name)
	}
}

func TestSetupTestDB_MultipleInstances(t *testing.T) {
	db1, cleanup1 := SetupTestDB(t, "TestSetupTestDB_MultipleInstances_1")
	defer cleanup1()

	db2, cleanup2 := SetupTestDB(t, "TestSetupTestDB_MultipleInstances_2")
	defer cleanup2()

	if err := db1.Ping(); err != nil {
		t.Errorf("First database failed: %v", err)
	}
	if err := db2.Ping(); err != nil {
		t.Errorf("Second database failed: %v", err)
	}
	if db1 == db2 {
		t.Error("Expected different database instances")
	}
}

func TestCleanupTestDB(t *testing.T) {
	dsn := NewTestDSN("test-cleanup")
	if err := CleanupTestDB(dsn); err != nil {
		t.Errorf("CleanupTestDB should not error on in-memory database: %v", err)
	}

	// Multiple cleanup calls should be safe
	if err := CleanupTestDB(dsn); err != nil {
		t.Errorf("Second cleanup call failed: %v", err)
	}

	if err := CleanupTestDB("invalid-dsn"); err == nil {
		t.Error("Expected error for invalid DSN")
	}
}
