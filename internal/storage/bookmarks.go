package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Bookmark marks a point inside a recording. At is an offset-within-day
// clock value (00:00:10 means ten seconds in), not a wall-clock instant.
type Bookmark struct {
	ID          int64         `json:"id"`
	RecordingID int64         `json:"recording_id"`
	Text        string        `json:"text"`
	At          time.Duration `json:"at"`
}

// Clock formats At as hh:mm:ss.mmm.
func (b Bookmark) Clock() string {
	d := ClockOffset(b.At)
	h := int64(d / time.Hour)
	m := int64(d % time.Hour / time.Minute)
	sec := int64(d % time.Minute / time.Second)
	ms := int64(d % time.Second / time.Millisecond)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
}

// ClockOffset wraps d into a single day at millisecond resolution.
func ClockOffset(d time.Duration) time.Duration {
	d = d.Truncate(time.Millisecond) % day
	if d < 0 {
		d += day
	}
	return d
}

// Tx is the set of operations available inside Transact.
type Tx interface {
	CreateMetadataIfAbsent(ctx context.Context, recordingID int64) (bool, error)
	InsertBookmark(ctx context.Context, b Bookmark) (Bookmark, error)
	GetBookmark(ctx context.Context, id int64) (Bookmark, error)
	UpdateBookmarkText(ctx context.Context, id int64, text string) (Bookmark, error)
	DeleteBookmark(ctx context.Context, id int64) (bool, error)
}

type sqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqlTx) CreateMetadataIfAbsent(ctx context.Context, recordingID int64) (bool, error) {
	now := formatTime(t.now())
	res, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO recordings(id, recorded_at, modified_at) VALUES(?, ?, ?)`,
		recordingID, now, now,
	)
	if err != nil {
		return false, persistErr(fmt.Sprintf("create metadata for recording %d", recordingID), err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("create metadata rows affected", err)
	}
	return rows > 0, nil
}

func (t *sqlTx) InsertBookmark(ctx context.Context, b Bookmark) (Bookmark, error) {
	b.At = ClockOffset(b.At)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO bookmarks(recording_id, text, at_ms) VALUES(?, ?, ?)`,
		b.RecordingID, b.Text, b.At.Milliseconds(),
	)
	if err != nil {
		return Bookmark{}, persistErr(fmt.Sprintf("insert bookmark for recording %d", b.RecordingID), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Bookmark{}, persistErr("insert bookmark last insert id", err)
	}
	b.ID = id
	return b, nil
}

func (t *sqlTx) GetBookmark(ctx context.Context, id int64) (Bookmark, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, recording_id, text, at_ms FROM bookmarks WHERE id = ?`, id)
	b, err := scanBookmark(row)
	if err != nil {
		return Bookmark{}, persistErr(fmt.Sprintf("get bookmark %d", id), err)
	}
	return b, nil
}

func (t *sqlTx) UpdateBookmarkText(ctx context.Context, id int64, text string) (Bookmark, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE bookmarks SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return Bookmark{}, persistErr(fmt.Sprintf("update bookmark %d", id), err)
	}
	if err := requireRow(res, fmt.Sprintf("update bookmark %d", id)); err != nil {
		return Bookmark{}, err
	}
	return t.GetBookmark(ctx, id)
}

func (t *sqlTx) DeleteBookmark(ctx context.Context, id int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id)
	if err != nil {
		return false, persistErr(fmt.Sprintf("delete bookmark %d", id), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("delete bookmark rows affected", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) ListBookmarks(ctx context.Context, recordingID int64) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, text, at_ms FROM bookmarks WHERE recording_id = ? ORDER BY at_ms ASC, id ASC`,
		recordingID,
	)
	if err != nil {
		return nil, persistErr(fmt.Sprintf("list bookmarks for recording %d", recordingID), err)
	}
	defer func() { _ = rows.Close() }()

	bookmarks := make([]Bookmark, 0, 8)
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, persistErr("scan bookmark", err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate bookmark rows", err)
	}
	return bookmarks, nil
}

func scanBookmark(row rowScanner) (Bookmark, error) {
	var b Bookmark
	var atMS int64
	if err := row.Scan(&b.ID, &b.RecordingID, &b.Text, &atMS); err != nil {
		return Bookmark{}, err
	}
	b.At = time.Duration(atMS) * time.Millisecond
	return b, nil
}
