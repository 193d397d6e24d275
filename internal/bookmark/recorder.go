package bookmark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/storage"
)

// Store is the slice of the persistence gateway the recorder needs.
type Store interface {
	Transact(ctx context.Context, fn func(storage.Tx) error) error
	ListBookmarks(ctx context.Context, recordingID int64) ([]storage.Bookmark, error)
}

// Recorder writes bookmarks for a recording. Every write keeps the bookmark's
// parent row in place: when the recording has no metadata yet, a stub row is
// created in the same transaction before the bookmark is inserted.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Create stores one bookmark at offset at. Text may be empty.
func (r *Recorder) Create(ctx context.Context, recordingID int64, at time.Duration, text string) (storage.Bookmark, error) {
	var created storage.Bookmark
	err := r.store.Transact(ctx, func(tx storage.Tx) error {
		stub, err := tx.CreateMetadataIfAbsent(ctx, recordingID)
		if err != nil {
			return err
		}
		if stub {
			slog.Debug("created recording metadata stub", "recording_id", recordingID)
		}

		created, err = tx.InsertBookmark(ctx, storage.Bookmark{
			RecordingID: recordingID,
			Text:        text,
			At:          at,
		})
		return err
	})
	if err != nil {
		return storage.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}
	return created, nil
}

// CreateBulk stores one empty-text bookmark per offset. The metadata check
// happens once for the whole batch. Duplicate offsets are stored as given.
func (r *Recorder) CreateBulk(ctx context.Context, recordingID int64, offsets []time.Duration) ([]storage.Bookmark, error) {
	if len(offsets) == 0 {
		return nil, nil
	}

	created := make([]storage.Bookmark, 0, len(offsets))
	err := r.store.Transact(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateMetadataIfAbsent(ctx, recordingID); err != nil {
			return err
		}
		for _, at := range offsets {
			b, err := tx.InsertBookmark(ctx, storage.Bookmark{RecordingID: recordingID, At: at})
			if err != nil {
				return err
			}
			created = append(created, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %d bookmarks: %w", len(offsets), err)
	}
	return created, nil
}

// Update replaces the text of b, looked up by id. A bookmark that no longer
// exists fails with storage.ErrNotFound; no replacement row is created.
func (r *Recorder) Update(ctx context.Context, b storage.Bookmark, text string) (storage.Bookmark, error) {
	var updated storage.Bookmark
	err := r.store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		updated, err = tx.UpdateBookmarkText(ctx, b.ID, text)
		return err
	})
	if err != nil {
		return storage.Bookmark{}, fmt.Errorf("update bookmark: %w", err)
	}
	return updated, nil
}

// Delete removes the batch atomically and reports how many rows went away.
// Ids that are already gone are skipped.
func (r *Recorder) Delete(ctx context.Context, batch []storage.Bookmark) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	removed := 0
	err := r.store.Transact(ctx, func(tx storage.Tx) error {
		seen := make(map[int64]struct{}, len(batch))
		for _, b := range batch {
			if _, dup := seen[b.ID]; dup {
				continue
			}
			seen[b.ID] = struct{}{}

			ok, err := tx.DeleteBookmark(ctx, b.ID)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete bookmarks: %w", err)
	}
	return removed, nil
}

func (r *Recorder) List(ctx context.Context, recordingID int64) ([]storage.Bookmark, error) {
	return r.store.ListBookmarks(ctx, recordingID)
}
