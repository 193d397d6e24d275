package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrashEntry is a snapshot of a deleted recording awaiting permanent removal.
type TrashEntry struct {
	ID          int64         `json:"id"`
	RecordingID int64         `json:"recording_id"`
	Title       string        `json:"title"`
	DisplayName string        `json:"display_name"`
	Duration    time.Duration `json:"duration"`
	SizeBytes   int64         `json:"size_bytes"`
	RecordedAt  time.Time     `json:"recorded_at"`
	FileURI     string        `json:"file_uri"`
	CategoryID  *int64        `json:"category_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	// ExpiresAt is the effective expiry. When the row stores none it is
	// derived from the read time, so it moves forward on every read.
	ExpiresAt time.Time `json:"expires_at"`
	// ExplicitExpiry reports whether ExpiresAt came from the stored row.
	ExplicitExpiry bool `json:"explicit_expiry"`
}

func trashFromRecording(rec Recording, createdAt time.Time) TrashEntry {
	return TrashEntry{
		RecordingID: rec.ID,
		Title:       rec.Title,
		DisplayName: rec.DisplayName,
		Duration:    rec.Duration,
		SizeBytes:   rec.SizeBytes,
		RecordedAt:  rec.RecordedAt,
		FileURI:     rec.FileURI,
		CategoryID:  rec.CategoryID,
		CreatedAt:   createdAt,
	}
}

const trashColumns = `id, recording_id, title, display_name, duration_ms, size_bytes, recorded_at, file_uri, category_id, created_at, expires_at`

// InsertTrash stores e. A zero ExpiresAt is stored as absent: the entry then
// reports a rolling expiry of read time plus the trash TTL and is never
// collected by PurgeExpiredTrash. It stays until DeleteTrash removes it.
func (s *SQLiteStore) InsertTrash(ctx context.Context, e TrashEntry) (TrashEntry, error) {
	return s.insertTrash(ctx, s.db, e)
}

// TrashRecording moves a recording into the trash in one transaction. Its
// bookmarks are removed with it. A nil expiresAt leaves the expiry absent,
// with the same consequence as in InsertTrash.
func (s *SQLiteStore) TrashRecording(ctx context.Context, id int64, expiresAt *time.Time) (TrashEntry, error) {
	op := fmt.Sprintf("trash recording %d", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TrashEntry{}, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecording(tx.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if err != nil {
		return TrashEntry{}, persistErr(op, err)
	}

	entry := trashFromRecording(rec, s.now())
	if expiresAt != nil {
		entry.ExpiresAt = *expiresAt
	}
	entry, err = s.insertTrash(ctx, tx, entry)
	if err != nil {
		return TrashEntry{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return TrashEntry{}, persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return TrashEntry{}, persistErr(op, err)
	}
	return entry, nil
}

func (s *SQLiteStore) GetTrash(ctx context.Context, id int64) (TrashEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trashColumns+` FROM trash WHERE id = ?`, id)
	e, err := s.scanTrash(row)
	if err != nil {
		return TrashEntry{}, persistErr(fmt.Sprintf("get trash %d", id), err)
	}
	return e, nil
}

func (s *SQLiteStore) ListTrash(ctx context.Context) ([]TrashEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+trashColumns+` FROM trash ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, persistErr("list trash", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]TrashEntry, 0, 8)
	for rows.Next() {
		e, err := s.scanTrash(rows)
		if err != nil {
			return nil, persistErr("scan trash", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate trash rows", err)
	}
	return entries, nil
}

func (s *SQLiteStore) DeleteTrash(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trash WHERE id = ?`, id)
	if err != nil {
		return persistErr(fmt.Sprintf("delete trash %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("delete trash %d", id))
}

// PurgeExpiredTrash deletes entries whose stored expiry has passed and
// returns them. Entries without a stored expiry never qualify, since their
// effective expiry is always in the future.
func (s *SQLiteStore) PurgeExpiredTrash(ctx context.Context) ([]TrashEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("purge trash", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := formatTime(s.now())
	rows, err := tx.QueryContext(ctx,
		`SELECT `+trashColumns+` FROM trash WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		cutoff,
	)
	if err != nil {
		return nil, persistErr("purge trash", err)
	}

	var expired []TrashEntry
	for rows.Next() {
		e, err := s.scanTrash(rows)
		if err != nil {
			_ = rows.Close()
			return nil, persistErr("purge trash scan", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, persistErr("purge trash iterate", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trash WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff); err != nil {
		return nil, persistErr("purge trash", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("purge trash", err)
	}
	return expired, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertTrash(ctx context.Context, db execer, e TrashEntry) (TrashEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	var expires sql.NullString
	if !e.ExpiresAt.IsZero() {
		expires = sql.NullString{String: formatTime(e.ExpiresAt), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO trash(recording_id, title, display_name, duration_ms, size_bytes, recorded_at, file_uri, category_id, created_at, expires_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RecordingID,
		e.Title,
		e.DisplayName,
		e.Duration.Milliseconds(),
		e.SizeBytes,
		formatTime(e.RecordedAt),
		e.FileURI,
		nullableID(e.CategoryID),
		formatTime(e.CreatedAt),
		expires,
	)
	if err != nil {
		return TrashEntry{}, persistErr(fmt.Sprintf("insert trash for recording %d", e.RecordingID), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return TrashEntry{}, persistErr("insert trash last insert id", err)
	}
	e.ID = id
	s.applyExpiry(&e, expires)
	return e, nil
}

func (s *SQLiteStore) scanTrash(row rowScanner) (TrashEntry, error) {
	var (
		e          TrashEntry
		durationMS int64
		recordedAt string
		createdAt  string
		categoryID sql.NullInt64
		expiresAt  sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.RecordingID, &e.Title, &e.DisplayName, &durationMS, &e.SizeBytes,
		&recordedAt, &e.FileURI, &categoryID, &createdAt, &expiresAt,
	); err != nil {
		return TrashEntry{}, err
	}

	var err error
	if e.RecordedAt, err = parseTime(recordedAt); err != nil {
		return TrashEntry{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return TrashEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.CategoryID = idPtr(categoryID)
	s.applyExpiry(&e, expiresAt)
	return e, nil
}

// applyExpiry resolves the effective expiry. An absent value is computed
// from the current time rather than from CreatedAt.
func (s *SQLiteStore) applyExpiry(e *TrashEntry, stored sql.NullString) {
	if stored.Valid {
		if t, err := parseTime(stored.String); err == nil {
			e.ExpiresAt = t
			e.ExplicitExpiry = true
			return
		}
	}
	e.ExpiresAt = s.now().Add(s.trashTTL)
	e.ExplicitExpiry = false
}
