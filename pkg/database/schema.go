package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against what the manager expects
// ARCHITECTURAL DISCOVERY: kept apart from migrations so startup can verify a
// database that was migrated by another process
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order.
func (v *SchemaValidator) Validate() error {
	for _, check := range []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"session_definitions": "Session schedules",
		"recordings":          "Recording log",
		"schema_migrations":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	definitionColumns := map[string]string{
		"acronym":         "TEXT",
		"kind":            "TEXT",
		"tz":              "TEXT",
		"duration_mins":   "INTEGER",
		"lobby_mins":      "INTEGER",
		"scheduled_start": "DATETIME",
		"scheduled_end":   "DATETIME",
		"lobby_open":      "DATETIME",
		"lobby_close":     "DATETIME",
		"details":         "TEXT",
	}
	if err := v.validateColumns("session_definitions", definitionColumns); err != nil {
		return fmt.Errorf("session_definitions table structure invalid: %w", err)
	}

	recordingColumns := map[string]string{
		"id":          "TEXT",
		"sid":         "TEXT",
		"resource_id": "TEXT",
		"state":       "TEXT",
		"acronym":     "TEXT",
		"date":        "TEXT",
		"created_on":  "DATETIME",
		"start_time":  "DATETIME",
		"end_time":    "DATETIME",
		"duration":    "INTEGER",
		"tz":          "TEXT",
	}
	if err := v.validateColumns("recordings", recordingColumns); err != nil {
		return fmt.Errorf("recordings table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_session_definitions_kind": "Definition lookups by variant",
		"idx_recordings_state":         "Orphan reconciliation",
		"idx_recordings_acronym_date":  "Recording listings",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies the database rejects invalid recording rows
// FUNCTIONAL DISCOVERY: probes run inside a transaction that is always rolled
// back so a healthy database is never left with probe rows
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO recordings (id, sid, state, acronym, date, created_on, start_time)
		VALUES (?, ?, ?, 'probe', '2000-01-01', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`
	if _, err := tx.Exec(insert, "probe-1", "probe-sid", "Bogus"); err == nil {
		return fmt.Errorf("check constraint not enforced: recordings.state")
	}
	if _, err := tx.Exec(insert, "probe-2", "probe-sid", "Ongoing"); err != nil {
		return fmt.Errorf("insert probe recording: %w", err)
	}
	if _, err := tx.Exec(insert, "probe-3", "probe-sid", "Ongoing"); err == nil {
		return fmt.Errorf("unique constraint not enforced: recordings.sid")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
