package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "liveclass/pkg/database"
	"liveclass/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. The logger
// is taken from ctx.
func NewManager(ctx context.Context, config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       zerolog.Ctx(ctx).With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: a failed write is retried exactly once after the retry delay
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Dur("retry_in", m.config.RetryDelay).Msg("Database write failed, retrying")
				time.Sleep(m.config.RetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("Database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(m.config.WriteTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

// Session definitions

const definitionColumns = `acronym, name, kind, provider_id, instructor_id, help_message, program, tz,
	duration_mins, lobby_mins, scheduled_start, scheduled_end, lobby_open, lobby_close, details`

// SaveSessionDefinition inserts or replaces a definition
func (m *Manager) SaveSessionDefinition(ctx context.Context, def *types.SessionDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	// TECHNICAL DISCOVERY: the variant payload is stored as JSON so one table
	// holds every session kind
	var details any = struct{}{}
	switch {
	case def.Class != nil:
		details = def.Class
	case def.AdHoc != nil:
		details = def.AdHoc
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal definition details: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `INSERT OR REPLACE INTO session_definitions (` + definitionColumns + `, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`
		_, err := db.ExecContext(ctx, query,
			def.Acronym, def.Name, string(def.Kind), def.ProviderID, def.InstructorID,
			def.HelpMessage, def.Program, def.TZ, def.DurationMins, def.LobbyMins,
			def.ScheduledStartTime.UTC(), def.ScheduledEndTime.UTC(),
			def.LobbyOpenTime.UTC(), def.LobbyCloseTime.UTC(),
			string(detailsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to save session definition: %w", err)
		}
		return nil
	})
}

// FindClassSession returns the class or generic definition for acronym.
func (m *Manager) FindClassSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	return m.findDefinition(ctx, acronym, types.SessionClass, types.SessionGeneric)
}

// FindAdHocSession returns the ad-hoc definition for acronym.
func (m *Manager) FindAdHocSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	return m.findDefinition(ctx, acronym, types.SessionAdHoc)
}

func (m *Manager) findDefinition(ctx context.Context, acronym string, kinds ...types.SessionType) (*types.SessionDefinition, error) {
	args := []any{acronym}
	for _, k := range kinds {
		args = append(args, string(k))
	}
	query := `SELECT ` + definitionColumns + ` FROM session_definitions
		WHERE acronym = ? AND kind IN (` + placeholders(len(kinds)) + `)`

	var def types.SessionDefinition
	var kind, details string
	err := m.db.QueryRowContext(ctx, query, args...).Scan(
		&def.Acronym, &def.Name, &kind, &def.ProviderID, &def.InstructorID,
		&def.HelpMessage, &def.Program, &def.TZ, &def.DurationMins, &def.LobbyMins,
		&def.ScheduledStartTime, &def.ScheduledEndTime, &def.LobbyOpenTime, &def.LobbyCloseTime,
		&details,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session definition: %w", err)
	}

	def.Kind = types.SessionType(kind)
	switch def.Kind {
	case types.SessionClass:
		def.Class = &types.ClassDetails{}
		err = json.Unmarshal([]byte(details), def.Class)
	case types.SessionAdHoc:
		def.AdHoc = &types.AdHocDetails{}
		err = json.Unmarshal([]byte(details), def.AdHoc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition details: %w", err)
	}
	return &def, nil
}

// Recording records

const recordingColumns = `id, sid, resource_id, state, acronym, date, created_on, start_time, end_time, duration, tz`

// CreateRecording inserts a new record, assigning an id when none is set.
func (m *Manager) CreateRecording(ctx context.Context, rec *types.RecordingRecord) error {
	if rec.SID == "" {
		return ErrMissingSID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedOn.IsZero() {
		rec.CreatedOn = time.Now().UTC()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = rec.CreatedOn
	}
	if rec.Date == "" {
		rec.Date = types.LocalDate(rec.StartTime, rec.TZ)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `INSERT INTO recordings (` + recordingColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := db.ExecContext(ctx, query,
			rec.ID, rec.SID, rec.ResourceID, string(rec.State), rec.Acronym, rec.Date,
			rec.CreatedOn.UTC(), rec.StartTime.UTC(), nullTime(rec.EndTime), rec.Duration, rec.TZ,
		)
		if err != nil {
			return fmt.Errorf("failed to insert recording: %w", err)
		}
		return nil
	})
}

// UpdateRecording rewrites the mutable fields of a record.
func (m *Manager) UpdateRecording(ctx context.Context, rec *types.RecordingRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `UPDATE recordings
			SET resource_id = ?, state = ?, end_time = ?, duration = ?
			WHERE id = ?`
		res, err := db.ExecContext(ctx, query,
			rec.ResourceID, string(rec.State), nullTime(rec.EndTime), rec.Duration, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update recording: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRecordingNotFound
		}
		return nil
	})
}

// FindRecordingBySID returns (nil, nil) when no record has that sid.
func (m *Manager) FindRecordingBySID(ctx context.Context, sid string) (*types.RecordingRecord, error) {
	recs, err := m.queryRecordings(ctx, `WHERE sid = ?`, sid)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// ListRecordingsByState returns records in any of states, oldest first.
func (m *Manager) ListRecordingsByState(ctx context.Context, states ...types.RecordingStatus) ([]*types.RecordingRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return m.queryRecordings(ctx, `WHERE state IN (`+placeholders(len(states))+`) ORDER BY start_time ASC`, args...)
}

// ListRecordingsMissingEndTime returns finished records that never got an
// end timestamp.
func (m *Manager) ListRecordingsMissingEndTime(ctx context.Context) ([]*types.RecordingRecord, error) {
	return m.queryRecordings(ctx, `WHERE end_time IS NULL AND state IN (?, ?) ORDER BY start_time ASC`,
		string(types.StatusCompleted), string(types.StatusExited))
}

// ListRecordingsByAcronym returns every record of a session, newest first.
func (m *Manager) ListRecordingsByAcronym(ctx context.Context, acronym string) ([]*types.RecordingRecord, error) {
	return m.queryRecordings(ctx, `WHERE acronym = ? ORDER BY start_time DESC`, acronym)
}

// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) queryRecordings(ctx context.Context, where string, args ...any) ([]*types.RecordingRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+recordingColumns+` FROM recordings `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*types.RecordingRecord
	for rows.Next() {
		var rec types.RecordingRecord
		var state string
		var endTime sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.SID, &rec.ResourceID, &state, &rec.Acronym, &rec.Date,
			&rec.CreatedOn, &rec.StartTime, &endTime, &rec.Duration, &rec.TZ,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		rec.State = types.RecordingStatus(state)
		if endTime.Valid {
			rec.EndTime = &endTime.Time
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recording rows: %w", err)
	}
	return recs, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recordings").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection pool for schema validation
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
