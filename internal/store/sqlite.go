// Package store provides local SQLite persistence for backup requests and
// asset alerts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrRequestNotFound is returned when no queued request exists for an asset.
var ErrRequestNotFound = errors.New("backup request not found")

// BackupRequest is a pending request to back up an asset.
type BackupRequest struct {
	ID       uuid.UUID `json:"id"`
	AssetKey string    `json:"asset_key"`
	Forced   bool      `json:"forced"`
	QueuedAt time.Time `json:"queued_at"`
}

// SQLiteStore implements the request queue and alert store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) orchestrator.db in dir.
func NewSQLiteStore(dir string, logger zerolog.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dir, "orchestrator.db")

	// Ensure directory exists
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("orchestrator database initialized")

	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backup_requests (
			id TEXT PRIMARY KEY,
			asset_key TEXT NOT NULL UNIQUE,
			forced INTEGER NOT NULL DEFAULT 0,
			queued_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			asset_key TEXT NOT NULL,
			code TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			raised_at TEXT NOT NULL,
			resolved_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_asset_status ON alerts(asset_key, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnqueueBackup records a backup request. A second request for the same
// asset keeps the original queue time and ORs the forced flag.
func (s *SQLiteStore) EnqueueBackup(ctx context.Context, assetKey string, forced bool) (*BackupRequest, error) {
	req := &BackupRequest{
		ID:       uuid.New(),
		AssetKey: assetKey,
		Forced:   forced,
		QueuedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO backup_requests (id, asset_key, forced, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(asset_key) DO UPDATE SET forced = MAX(forced, excluded.forced)
	`
	if _, err := s.db.ExecContext(ctx, query, req.ID.String(), assetKey, boolToInt(forced), req.QueuedAt.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("insert backup request: %w", err)
	}

	return s.GetRequest(ctx, assetKey)
}

// GetRequest returns the queued request for an asset.
func (s *SQLiteStore) GetRequest(ctx context.Context, assetKey string) (*BackupRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset_key, forced, queued_at FROM backup_requests WHERE asset_key = ?
	`, assetKey)

	req, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// IsBackupQueued reports whether a request is pending for the asset.
func (s *SQLiteStore) IsBackupQueued(ctx context.Context, assetKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM backup_requests WHERE asset_key = ?", assetKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count backup requests: %w", err)
	}
	return count > 0, nil
}

// DequeueBackup removes the request for an asset. Missing requests are ignored.
func (s *SQLiteStore) DequeueBackup(ctx context.Context, assetKey string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM backup_requests WHERE asset_key = ?", assetKey); err != nil {
		return fmt.Errorf("delete backup request: %w", err)
	}
	return nil
}

// ListQueued returns pending requests, oldest first.
func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*BackupRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_key, forced, queued_at FROM backup_requests ORDER BY queued_at ASC, asset_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query backup requests: %w", err)
	}
	defer rows.Close()

	var out []*BackupRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup requests: %w", err)
	}
	return out, nil
}

// RaiseAlert records an active alert. An active alert with the same code
// for the asset is updated in place instead of duplicated.
func (s *SQLiteStore) RaiseAlert(ctx context.Context, alert *models.Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET severity = ?, message = ?, raised_at = ?
		WHERE asset_key = ? AND code = ? AND status = 'active'
	`, string(alert.Severity), alert.Message, alert.RaisedAt.UTC().Format(time.RFC3339), alert.AssetKey, alert.Code)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, asset_key, code, severity, message, status, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, alert.ID.String(), alert.AssetKey, alert.Code, string(alert.Severity), alert.Message,
		string(models.AlertStatusActive), alert.RaisedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ClearAlerts resolves the asset's active alerts with any of the given codes.
func (s *SQLiteStore) ClearAlerts(ctx context.Context, assetKey string, codes ...string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := []any{time.Now().UTC().Format(time.RFC3339), assetKey}
	for _, c := range codes {
		args = append(args, c)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = ?
		WHERE asset_key = ? AND status = 'active' AND code IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

// ActiveAlerts lists unresolved alerts for an asset, newest first.
func (s *SQLiteStore) ActiveAlerts(ctx context.Context, assetKey string) ([]*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_key, code, severity, message, status, raised_at
		FROM alerts WHERE asset_key = ? AND status = 'active'
		ORDER BY raised_at DESC
	`, assetKey)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		var (
			idStr, severity, status, raisedAt string
			a                                 models.Alert
		)
		if err := rows.Scan(&idStr, &a.AssetKey, &a.Code, &severity, &a.Message, &status, &raisedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse alert id: %w", err)
		}
		a.ID = id
		a.Severity = models.AlertSeverity(severity)
		a.Status = models.AlertStatus(status)
		if t, err := time.Parse(time.RFC3339, raisedAt); err == nil {
			a.RaisedAt = t
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func scanRequest(scan func(dest ...any) error) (*BackupRequest, error) {
	var (
		idStr, assetKey, queuedAt string
		forced                    int
	)
	if err := scan(&idStr, &assetKey, &forced, &queuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan backup request: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse request id: %w", err)
	}
	t, err := time.Parse(time.RFC3339, queuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse queued_at: %w", err)
	}

	return &BackupRequest{ID: id, AssetKey: assetKey, Forced: forced != 0, QueuedAt: t}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
