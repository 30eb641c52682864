// Package library keeps a SQLite catalogue of the assets on the content
// volume and a history of what was played.
package library

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teddybox/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an identity has no catalogue row
var ErrNotFound = errors.New("asset not in library")

// Library wraps a *sql.DB. It is safe for concurrent use because the
// underlying *sql.DB is.
type Library struct {
	conn   *sql.DB
	logger *logrus.Entry

	upsertAssetStmt *sql.Stmt
	getAssetStmt    *sql.Stmt
	removeAssetStmt *sql.Stmt
	insertPlayStmt  *sql.Stmt
}

// Open opens (or creates) the catalogue at dbPath and ensures the schema
// exists. Callers should Close it when finished.
func Open(dbPath string, maxConns int, logger *logrus.Logger) (*Library, error) {
	log := logger.WithField("component", "library")

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 1
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	lib := &Library{conn: conn, logger: log}

	if err := lib.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := lib.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	log.WithField("db_path", dbPath).Info("Library initialized")
	return lib, nil
}

func (l *Library) createTables() error {
	assetsTable := `
	CREATE TABLE IF NOT EXISTS assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL UNIQUE,
		audio_id INTEGER DEFAULT 0,
		total_bytes INTEGER DEFAULT 0,
		chapters INTEGER DEFAULT 0,
		file_size INTEGER NOT NULL,
		health TEXT NOT NULL,
		file_path TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	playsTable := `
	CREATE TABLE IF NOT EXISTS plays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		source TEXT NOT NULL,
		frame INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL
	);`

	statements := []string{
		assetsTable,
		playsTable,
		"CREATE INDEX IF NOT EXISTS idx_assets_health ON assets(health);",
		"CREATE INDEX IF NOT EXISTS idx_plays_identity ON plays(identity);",
		"CREATE INDEX IF NOT EXISTS idx_plays_started ON plays(started_at);",
	}
	for _, stmt := range statements {
		if _, err := l.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Library) prepareStatements() error {
	var err error

	l.upsertAssetStmt, err = l.conn.Prepare(`
		INSERT INTO assets (identity, audio_id, total_bytes, chapters, file_size, health, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			audio_id=excluded.audio_id,
			total_bytes=excluded.total_bytes,
			chapters=excluded.chapters,
			file_size=excluded.file_size,
			health=excluded.health,
			file_path=excluded.file_path,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert asset statement: %w", err)
	}

	l.getAssetStmt, err = l.conn.Prepare(`
		SELECT id, identity, audio_id, total_bytes, chapters, file_size, health, file_path, updated_at
		FROM assets WHERE identity = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get asset statement: %w", err)
	}

	l.removeAssetStmt, err = l.conn.Prepare(`DELETE FROM assets WHERE identity = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove asset statement: %w", err)
	}

	l.insertPlayStmt, err = l.conn.Prepare(`
		INSERT INTO plays (identity, source, frame, started_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert play statement: %w", err)
	}
	return nil
}

// UpsertAsset inserts or updates the row for asset.Identity and returns its ID
func (l *Library) UpsertAsset(asset models.Asset) (int, error) {
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = time.Now()
	}
	_, err := l.upsertAssetStmt.Exec(
		asset.Identity, asset.AudioID, asset.TotalBytes, asset.Chapters,
		asset.FileSize, asset.Health, asset.FilePath, asset.UpdatedAt)
	if err != nil {
		l.logger.WithError(err).WithField("identity", asset.Identity).Error("Failed to upsert asset")
		return 0, err
	}

	var id int
	if err := l.conn.QueryRow("SELECT id FROM assets WHERE identity = ?", asset.Identity).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetAsset returns the row for identity
func (l *Library) GetAsset(identity string) (*models.Asset, error) {
	rows, err := l.getAssetStmt.Query(identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets, err := scanAssetRows(rows)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return &assets[0], nil
}

// GetAllAssets returns every catalogued asset ordered by identity
func (l *Library) GetAllAssets() ([]models.Asset, error) {
	rows, err := l.conn.Query(`
		SELECT id, identity, audio_id, total_bytes, chapters, file_size, health, file_path, updated_at
		FROM assets
		ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssetRows(rows)
}

// RemoveAsset deletes the row for identity
func (l *Library) RemoveAsset(identity string) error {
	_, err := l.removeAssetStmt.Exec(identity)
	return err
}

// RecordPlay appends a play to the history
func (l *Library) RecordPlay(play models.Play) error {
	if play.StartedAt.IsZero() {
		play.StartedAt = time.Now()
	}
	_, err := l.insertPlayStmt.Exec(play.Identity, play.Source, play.Frame, play.StartedAt)
	return err
}

// RecentPlays returns up to limit plays, newest first
func (l *Library) RecentPlays(limit int) ([]models.Play, error) {
	rows, err := l.conn.Query(`
		SELECT id, identity, source, frame, started_at
		FROM plays
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plays []models.Play
	for rows.Next() {
		var p models.Play
		if err := rows.Scan(&p.ID, &p.Identity, &p.Source, &p.Frame, &p.StartedAt); err != nil {
			return nil, err
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// Close closes the prepared statements and the connection
func (l *Library) Close() error {
	statements := []*sql.Stmt{
		l.upsertAssetStmt,
		l.getAssetStmt,
		l.removeAssetStmt,
		l.insertPlayStmt,
	}
	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				l.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// scanAssetRows scans asset result sets. Callers must have deferred
// rows.Close().
func scanAssetRows(rows *sql.Rows) ([]models.Asset, error) {
	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.Identity, &a.AudioID, &a.TotalBytes, &a.Chapters,
			&a.FileSize, &a.Health, &a.FilePath, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
