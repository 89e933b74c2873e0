// Package store persists image metadata in an embedded SQLite database.
//
// Every saved image has exactly one record keyed by its UUID. The record
// tracks which tiers currently hold the bytes (local disk, remote archive)
// and the archive upload state machine. All writes that touch tier flags go
// through this package so the flags never drift from what callers observe.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Upload states for the archive state machine.
const (
	UploadPending   = "pending"
	UploadUploading = "uploading"
	UploadUploaded  = "uploaded"
	UploadFailed    = "failed"
	UploadSkipped   = "skipped"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("store: image record not found")

// ImageRecord is one row of image metadata.
type ImageRecord struct {
	ID             string
	LocalPath      string
	RemoteKey      string
	SizeBytes      int64
	ContentType    string
	HasLocalCopy   bool
	HasRemoteCopy  bool
	UploadState    string
	UploadError    string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Store is the SQLite-backed metadata repository.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id               TEXT PRIMARY KEY,
	local_path       TEXT NOT NULL DEFAULT '',
	remote_key       TEXT NOT NULL DEFAULT '',
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	content_type     TEXT NOT NULL DEFAULT 'image/png',
	has_local_copy   INTEGER NOT NULL DEFAULT 0,
	has_remote_copy  INTEGER NOT NULL DEFAULT 0,
	upload_state     TEXT NOT NULL DEFAULT 'pending',
	upload_error     TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_last_accessed ON images(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_images_created ON images(created_at);
CREATE INDEX IF NOT EXISTS idx_images_upload_state ON images(upload_state);
`

// Open opens (or creates) the database under dir and runs migrations.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "images.db")
	// A single connection avoids SQLITE_BUSY under concurrent writers.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert creates a new record. The id must be unique.
func (s *Store) Insert(ctx context.Context, rec *ImageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images
			(id, local_path, remote_key, size_bytes, content_type,
			 has_local_copy, has_remote_copy, upload_state, upload_error,
			 created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LocalPath, rec.RemoteKey, rec.SizeBytes, rec.ContentType,
		boolToInt(rec.HasLocalCopy), boolToInt(rec.HasRemoteCopy),
		rec.UploadState, rec.UploadError,
		rec.CreatedAt.UnixMilli(), rec.LastAccessedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, local_path, remote_key, size_bytes, content_type,
		       has_local_copy, has_remote_copy, upload_state, upload_error,
		       created_at, last_accessed_at
		FROM images WHERE id = ?`, id)
	return scanRecord(row)
}

// Touch updates last_accessed_at to now. Missing ids are ignored.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET last_accessed_at = ? WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: touch %s: %w", id, err)
	}
	return nil
}

// SetLocalCopy flips the local-tier flag and records the on-disk path
// ("" when the copy was evicted).
func (s *Store) SetLocalCopy(ctx context.Context, id string, present bool, localPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET has_local_copy = ?, local_path = ? WHERE id = ?`,
		boolToInt(present), localPath, id)
	if err != nil {
		return fmt.Errorf("store: set local copy %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkUploading records the start of an archive upload attempt.
func (s *Store) MarkUploading(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET upload_state = ? WHERE id = ?`, UploadUploading, id)
	if err != nil {
		return fmt.Errorf("store: mark uploading %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkUploaded records a successful archive upload.
func (s *Store) MarkUploaded(ctx context.Context, id, remoteKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET has_remote_copy = 1, remote_key = ?, upload_state = ?, upload_error = ''
		WHERE id = ?`,
		remoteKey, UploadUploaded, id)
	if err != nil {
		return fmt.Errorf("store: mark uploaded %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkUploadFailed records a failed archive upload attempt with its reason.
// The record stays eligible for the next upload sweep.
func (s *Store) MarkUploadFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET upload_state = ?, upload_error = ? WHERE id = ?`,
		UploadFailed, reason, id)
	if err != nil {
		return fmt.Errorf("store: mark upload failed %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkUploadSkipped marks a record as never-to-upload (archive disabled).
func (s *Store) MarkUploadSkipped(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET upload_state = ?, upload_error = '' WHERE id = ?`,
		UploadSkipped, id)
	if err != nil {
		return fmt.Errorf("store: mark upload skipped %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Delete removes the record entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// ListUploadable returns up to limit records whose bytes are on disk but not
// yet archived, oldest first. Stale "uploading" rows left by a crash are
// included so they recover on the next sweep.
func (s *Store) ListUploadable(ctx context.Context, limit int) ([]*ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_path, remote_key, size_bytes, content_type,
		       has_local_copy, has_remote_copy, upload_state, upload_error,
		       created_at, last_accessed_at
		FROM images
		WHERE has_local_copy = 1 AND has_remote_copy = 0 AND upload_state IN (?, ?, ?)
		ORDER BY created_at ASC
		LIMIT ?`, UploadPending, UploadFailed, UploadUploading, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list uploadable: %w", err)
	}
	return collectRecords(rows)
}

// ListLocalNotAccessedSince returns records whose local copy has not been read
// since the cutoff, oldest access first.
func (s *Store) ListLocalNotAccessedSince(ctx context.Context, cutoff time.Time) ([]*ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_path, remote_key, size_bytes, content_type,
		       has_local_copy, has_remote_copy, upload_state, upload_error,
		       created_at, last_accessed_at
		FROM images
		WHERE has_local_copy = 1 AND last_accessed_at < ?
		ORDER BY last_accessed_at ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: list expired local: %w", err)
	}
	return collectRecords(rows)
}

// ListLocalOldestFirst returns all records with a local copy ordered by
// creation time ascending, for the quota eviction pass.
func (s *Store) ListLocalOldestFirst(ctx context.Context) ([]*ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_path, remote_key, size_bytes, content_type,
		       has_local_copy, has_remote_copy, upload_state, upload_error,
		       created_at, last_accessed_at
		FROM images
		WHERE has_local_copy = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list local: %w", err)
	}
	return collectRecords(rows)
}

// ListExpiredMetadata returns records with no local copy created before the
// retention cutoff.
func (s *Store) ListExpiredMetadata(ctx context.Context, cutoff time.Time) ([]*ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_path, remote_key, size_bytes, content_type,
		       has_local_copy, has_remote_copy, upload_state, upload_error,
		       created_at, last_accessed_at
		FROM images
		WHERE has_local_copy = 0 AND created_at < ?
		ORDER BY created_at ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: list expired metadata: %w", err)
	}
	return collectRecords(rows)
}

// Stats summarises the cache for the admin endpoint.
type Stats struct {
	TotalRecords   int64
	LocalCopies    int64
	RemoteCopies   int64
	LocalBytes     int64
	PendingUploads int64
	FailedUploads  int64
}

// Stats returns aggregate counters over all records.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(has_local_copy), 0),
		       COALESCE(SUM(has_remote_copy), 0),
		       COALESCE(SUM(CASE WHEN has_local_copy = 1 THEN size_bytes ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN upload_state = 'pending' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN upload_state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM images`)
	st := &Stats{}
	if err := row.Scan(&st.TotalRecords, &st.LocalCopies, &st.RemoteCopies,
		&st.LocalBytes, &st.PendingUploads, &st.FailedUploads); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// ── scanning helpers ──────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ImageRecord, error) {
	var (
		rec                 ImageRecord
		local, remote       int
		createdMs, accessMs int64
	)
	err := row.Scan(&rec.ID, &rec.LocalPath, &rec.RemoteKey, &rec.SizeBytes,
		&rec.ContentType, &local, &remote, &rec.UploadState, &rec.UploadError,
		&createdMs, &accessMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	rec.HasLocalCopy = local == 1
	rec.HasRemoteCopy = remote == 1
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.LastAccessedAt = time.UnixMilli(accessMs)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*ImageRecord, error) {
	defer rows.Close()
	var out []*ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
