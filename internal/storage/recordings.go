package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Recording struct {
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	DisplayName string        `json:"display_name"`
	Duration    time.Duration `json:"duration"`
	SizeBytes   int64         `json:"size_bytes"`
	RecordedAt  time.Time     `json:"recorded_at"`
	ModifiedAt  time.Time     `json:"modified_at"`
	FileURI     string        `json:"file_uri"`
	IsFavourite bool          `json:"is_favourite"`
	CategoryID  *int64        `json:"category_id,omitempty"`
	Owner       string        `json:"owner"`
}

const recordingColumns = `id, title, display_name, duration_ms, size_bytes, recorded_at, modified_at, file_uri, is_favourite, category_id, owner`

// NextRecordingID returns the id the next inserted recording would get.
// Ids are never reused, even after the newest recording is deleted.
func (s *SQLiteStore) NextRecordingID(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'recordings'), 0),
			COALESCE((SELECT MAX(id) FROM recordings), 0)
		) + 1`,
	).Scan(&next)
	if err != nil {
		return 0, persistErr("next recording id", err)
	}
	return next, nil
}

// CreateMetadataIfAbsent inserts a minimal recording row for id unless one
// exists. It reports whether a row was created.
func (s *SQLiteStore) CreateMetadataIfAbsent(ctx context.Context, id int64) (bool, error) {
	var created bool
	err := s.Transact(ctx, func(tx Tx) error {
		var err error
		created, err = tx.CreateMetadataIfAbsent(ctx, id)
		return err
	})
	return created, err
}

// SaveRecording inserts rec, or replaces the row with the same id. A zero id
// lets the database assign one. It returns the row id.
func (s *SQLiteStore) SaveRecording(ctx context.Context, rec Recording) (int64, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = s.now()
	}

	var id any
	if rec.ID != 0 {
		id = rec.ID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings(`+recordingColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			display_name = excluded.display_name,
			duration_ms = excluded.duration_ms,
			size_bytes = excluded.size_bytes,
			recorded_at = excluded.recorded_at,
			modified_at = excluded.modified_at,
			file_uri = excluded.file_uri,
			is_favourite = excluded.is_favourite,
			category_id = excluded.category_id,
			owner = excluded.owner`,
		id,
		rec.Title,
		rec.DisplayName,
		rec.Duration.Milliseconds(),
		rec.SizeBytes,
		formatTime(rec.RecordedAt),
		formatTime(rec.ModifiedAt),
		rec.FileURI,
		boolInt(rec.IsFavourite),
		nullableID(rec.CategoryID),
		rec.Owner,
	)
	if err != nil {
		return 0, persistErr(fmt.Sprintf("save recording %d", rec.ID), err)
	}

	if rec.ID != 0 {
		return rec.ID, nil
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, persistErr("save recording last insert id", err)
	}
	return newID, nil
}

func (s *SQLiteStore) GetRecording(ctx context.Context, id int64) (Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err != nil {
		return Recording{}, persistErr(fmt.Sprintf("get recording %d", id), err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecordings(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY recorded_at DESC, id DESC`)
	if err != nil {
		return nil, persistErr("list recordings", err)
	}
	defer func() { _ = rows.Close() }()

	recordings := make([]Recording, 0, 16)
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, persistErr("scan recording", err)
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate recordings rows", err)
	}
	return recordings, nil
}

// DeleteRecording removes the row; its bookmarks go with it.
func (s *SQLiteStore) DeleteRecording(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return persistErr(fmt.Sprintf("delete recording %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("delete recording %d", id))
}

func (s *SQLiteStore) SetFavourite(ctx context.Context, id int64, favourite bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET is_favourite = ?, modified_at = ? WHERE id = ?`,
		boolInt(favourite), formatTime(s.now()), id,
	)
	if err != nil {
		return persistErr(fmt.Sprintf("set favourite %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("set favourite %d", id))
}

// AssignCategory sets or clears (nil) the recording's category.
func (s *SQLiteStore) AssignCategory(ctx context.Context, id int64, categoryID *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET category_id = ?, modified_at = ? WHERE id = ?`,
		nullableID(categoryID), formatTime(s.now()), id,
	)
	if err != nil {
		return persistErr(fmt.Sprintf("assign category to recording %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("assign category to recording %d", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var (
		rec        Recording
		durationMS int64
		recordedAt string
		modifiedAt string
		favourite  int
		categoryID sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID, &rec.Title, &rec.DisplayName, &durationMS, &rec.SizeBytes,
		&recordedAt, &modifiedAt, &rec.FileURI, &favourite, &categoryID, &rec.Owner,
	); err != nil {
		return Recording{}, err
	}

	var err error
	if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
		return Recording{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	if rec.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return Recording{}, fmt.Errorf("parse modified_at: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.IsFavourite = favourite != 0
	rec.CategoryID = idPtr(categoryID)
	return rec, nil
}

func requireRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return persistErr(op+" rows affected", err)
	}
	if rows == 0 {
		return &PersistenceError{Op: op, Err: ErrNotFound}
	}
	return nil
}
