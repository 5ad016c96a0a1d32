package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bracketeer/internal/capture"
)

// Store is the SQLite-backed asset library: photo files on disk plus run and
// asset records. It implements the capture core's persistence collaborator
// (capture.AssetSaver) and run history sink (capture.RunRecorder).
type Store struct {
	DB       *sql.DB // Export for direct database access
	assetDir string
}

// New opens (or creates) the database at dbPath and ensures the asset
// directory and schema exist.
func New(dbPath, assetDir string) (*Store, error) {
	if err := os.MkdirAll(assetDir, 0755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, assetDir: assetDir}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS capture_runs (
            id TEXT PRIMARY KEY,
            lens TEXT NOT NULL,
            ev_step REAL,
            shot_count INTEGER,
            status TEXT NOT NULL,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS assets (
            id TEXT PRIMARY KEY,
            run_id TEXT,
            position INTEGER,
            label TEXT,
            is_raw BOOLEAN DEFAULT FALSE,
            pixel_format TEXT,
            file_path TEXT,
            byte_size INTEGER,
            gps_lat REAL,
            gps_lon REAL,
            missing BOOLEAN DEFAULT FALSE,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS asset_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_assets_run_id ON assets(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_assets_file_path ON assets(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_asset_events_file_path ON asset_events(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// AssetDir returns the directory photo files are written to.
func (s *Store) AssetDir() string {
	return s.assetDir
}

// SaveAsset writes the photo bytes to disk and records the asset, returning
// the new asset id. Implements capture.AssetSaver.
func (s *Store) SaveAsset(ctx context.Context, req capture.SaveRequest) (string, error) {
	if s == nil {
		return "", errors.New("store not initialized")
	}
	id := uuid.NewString()
	path := filepath.Join(s.assetDir, assetFileName(req))
	if err := os.WriteFile(path, req.Bytes, 0644); err != nil {
		return "", fmt.Errorf("write asset file: %w", err)
	}

	var lat, lon sql.NullFloat64
	if req.Location != nil {
		lat = sql.NullFloat64{Float64: req.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: req.Location.Longitude, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO assets (id, run_id, position, label, is_raw, pixel_format, file_path, byte_size, gps_lat, gps_lon)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		id, req.RunID, req.Position, req.Label, req.IsRaw, string(req.PixelFormat), path, len(req.Bytes), lat, lon)
	if err != nil {
		// Keep disk and database consistent when the record fails.
		os.Remove(path)
		return "", fmt.Errorf("record asset: %w", err)
	}
	return id, nil
}

func assetFileName(req capture.SaveRequest) string {
	ext := ".heic"
	if req.IsRaw {
		ext = ".dng"
	}
	short := req.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	label := strings.ReplaceAll(req.Label, "+", "p")
	label = strings.ReplaceAll(label, ".", "_")
	return fmt.Sprintf("%s-%02d-%s%s", short, req.Position, label, ext)
}

// RecordRunStart inserts a pending run. Implements capture.RunRecorder.
func (s *Store) RecordRunStart(rec capture.RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT OR REPLACE INTO capture_runs (id, lens, ev_step, shot_count, status) VALUES (?, ?, ?, ?, 'capturing');`,
		rec.ID, string(rec.Lens), rec.EVStep, rec.ShotCount)
	return err
}

// RecordRunResult finalizes a run with status and error message.
func (s *Store) RecordRunResult(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE capture_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, errMsg, id)
	return err
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	Lens        string
	EVStep      float64
	ShotCount   int
	Status      string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(
		`SELECT id, lens, ev_step, shot_count, status, started_at, completed_at, error_message
         FROM capture_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var completed sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Lens, &rec.EVStep, &rec.ShotCount, &rec.Status, &rec.StartedAt, &completed, &errMsg); err != nil {
			return nil, err
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AssetRecord captures one persisted asset.
type AssetRecord struct {
	ID          string
	RunID       string
	Position    int
	Label       string
	IsRaw       bool
	PixelFormat string
	FilePath    string
	ByteSize    int64
	Missing     bool
}

// AssetsForRun returns the run's assets in plan order.
func (s *Store) AssetsForRun(runID string) ([]AssetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(
		`SELECT id, run_id, position, label, is_raw, pixel_format, file_path, byte_size, missing
         FROM assets WHERE run_id=? ORDER BY position;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AssetRecord
	for rows.Next() {
		var rec AssetRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Position, &rec.Label, &rec.IsRaw, &rec.PixelFormat, &rec.FilePath, &rec.ByteSize, &rec.Missing); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordAssetEvent stores a filesystem event observed in the asset library.
func (s *Store) RecordAssetEvent(path, eventType string, eventTime time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT INTO asset_events (file_path, event_type, event_time) VALUES (?, ?, ?);`,
		path, eventType, eventTime)
	return err
}

// MarkAssetMissing flags assets whose backing file disappeared from disk.
func (s *Store) MarkAssetMissing(path string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE assets SET missing=TRUE WHERE file_path=?;`, path)
	return err
}
