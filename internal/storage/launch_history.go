package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// LaunchRecord is one launch attempt: a single executor system requested on a
// single worker with a given grant and system id.
type LaunchRecord struct {
	ID           string             `json:"id"`
	SystemID     int64              `json:"system_id"`
	SessionID    string             `json:"session_id"`
	WorkerID     string             `json:"worker_id"`
	Slots        int                `json:"slots"`
	Status       model.LaunchStatus `json:"status"`
	Error        string             `json:"error,omitempty"`
	DispatchedAt time.Time          `json:"dispatched_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// LaunchHistoryStorage records launch attempts and their outcomes.
type LaunchHistoryStorage interface {
	// Store stores a newly dispatched launch attempt
	Store(ctx context.Context, record *LaunchRecord) error

	// Update updates the outcome of an existing attempt
	Update(ctx context.Context, record *LaunchRecord) error

	// Get retrieves an attempt by ID
	Get(ctx context.Context, id string) (*LaunchRecord, error)

	// ListBySession retrieves all attempts made under one session
	ListBySession(ctx context.Context, sessionID string) ([]*LaunchRecord, error)

	// Count returns the number of attempts with the given status; an empty
	// status counts everything
	Count(ctx context.Context, status model.LaunchStatus) (int, error)

	// DeleteBefore deletes attempts dispatched before the given time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteLaunchHistory implements LaunchHistoryStorage using SQLite.
type SQLiteLaunchHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteLaunchHistory opens (or creates) the launch history database.
func NewSQLiteLaunchHistory(logger *zap.Logger, dbPath string) (*SQLiteLaunchHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteLaunchHistory{
		logger: logger,
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteLaunchHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS launch_history (
			id TEXT PRIMARY KEY,
			system_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			slots INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			dispatched_at DATETIME NOT NULL,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_launch_history_session_id ON launch_history(session_id);
		CREATE INDEX IF NOT EXISTS idx_launch_history_system_id ON launch_history(system_id);
		CREATE INDEX IF NOT EXISTS idx_launch_history_status ON launch_history(status);
		CREATE INDEX IF NOT EXISTS idx_launch_history_dispatched_at ON launch_history(dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements LaunchHistoryStorage.Store
func (s *SQLiteLaunchHistory) Store(ctx context.Context, record *LaunchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_history (
			id, system_id, session_id, worker_id, slots, status, dispatched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SystemID,
		record.SessionID,
		record.WorkerID,
		record.Slots,
		string(record.Status),
		record.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store launch record: %w", err)
	}
	return nil
}

// Update implements LaunchHistoryStorage.Update
func (s *SQLiteLaunchHistory) Update(ctx context.Context, record *LaunchRecord) error {
	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *record.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE launch_history SET
			status = ?,
			error = ?,
			completed_at = ?
		WHERE id = ?`,
		string(record.Status),
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		completedAt,
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update launch record: %w", err)
	}
	return nil
}

// Get implements LaunchHistoryStorage.Get
func (s *SQLiteLaunchHistory) Get(ctx context.Context, id string) (*LaunchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system_id, session_id, worker_id, slots, status, error, dispatched_at, completed_at
		FROM launch_history
		WHERE id = ?`, id)

	record, err := scanLaunchRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// ListBySession implements LaunchHistoryStorage.ListBySession
func (s *SQLiteLaunchHistory) ListBySession(ctx context.Context, sessionID string) ([]*LaunchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, system_id, session_id, worker_id, slots, status, error, dispatched_at, completed_at
		FROM launch_history
		WHERE session_id = ?
		ORDER BY dispatched_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list launch records: %w", err)
	}
	defer rows.Close()

	var records []*LaunchRecord
	for rows.Next() {
		record, err := scanLaunchRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements LaunchHistoryStorage.Count
func (s *SQLiteLaunchHistory) Count(ctx context.Context, status model.LaunchStatus) (int, error) {
	query := "SELECT COUNT(*) FROM launch_history"
	args := make([]interface{}, 0, 1)
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count launch records: %w", err)
	}
	return count, nil
}

// DeleteBefore implements LaunchHistoryStorage.DeleteBefore
func (s *SQLiteLaunchHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM launch_history WHERE dispatched_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete launch records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old launch records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteLaunchHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLaunchRecord(row rowScanner) (*LaunchRecord, error) {
	record := &LaunchRecord{}
	var status string
	var errStr sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.SystemID,
		&record.SessionID,
		&record.WorkerID,
		&record.Slots,
		&status,
		&errStr,
		&record.DispatchedAt,
		&completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan launch record: %w", err)
	}

	record.Status = model.LaunchStatus(status)
	if errStr.Valid {
		record.Error = errStr.String
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}

	return record, nil
}
