package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/session"
	"github.com/sjawhar/ghost-recorder/internal/storage"
)

// Actions is the session protocol as the HTTP layer sees it.
type Actions interface {
	Do(ctx context.Context, req session.Request) (session.Reply, error)
	Snapshot() session.Snapshot
}

type Library interface {
	ListRecordings(ctx context.Context) ([]storage.Recording, error)
	GetRecording(ctx context.Context, id int64) (storage.Recording, error)
	TrashRecording(ctx context.Context, id int64, expiresAt *time.Time) (storage.TrashEntry, error)
	SetFavourite(ctx context.Context, id int64, favourite bool) error
	AssignCategory(ctx context.Context, id int64, categoryID *int64) error
	ListBookmarks(ctx context.Context, recordingID int64) ([]storage.Bookmark, error)
	CreateCategory(ctx context.Context, c storage.Category) (storage.Category, error)
	RenameCategory(ctx context.Context, id int64, name string) error
	DeleteCategory(ctx context.Context, id int64) error
	ListCategories(ctx context.Context) ([]storage.Category, error)
	ListTrash(ctx context.Context) ([]storage.TrashEntry, error)
	GetTrash(ctx context.Context, id int64) (storage.TrashEntry, error)
	DeleteTrash(ctx context.Context, id int64) error
}

type BookmarkEditor interface {
	CreateBulk(ctx context.Context, recordingID int64, offsets []time.Duration) ([]storage.Bookmark, error)
	Update(ctx context.Context, b storage.Bookmark, text string) (storage.Bookmark, error)
	Delete(ctx context.Context, batch []storage.Bookmark) (int, error)
}

// AudioFiles maps stored file URIs back to the library on disk.
type AudioFiles interface {
	Resolve(uri string) (string, error)
	Remove(ctx context.Context, uri string) error
}

type Backend struct {
	Session   Actions
	Library   Library
	Bookmarks BookmarkEditor
	Audio     AudioFiles
	Waveform  func() []float64
	// TrashTTL, when positive, stamps trashed recordings with an explicit
	// expiry so the purge loop can collect them.
	TrashTTL time.Duration
	Now      func() time.Time
}

func registerAPIRoutes(mux *http.ServeMux, b Backend) {
	now := b.Now
	if now == nil {
		now = time.Now
	}

	mux.HandleFunc("POST /api/session/actions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`
			Text   string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		action, err := session.ParseAction(body.Action)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		reply, err := b.Session.Do(r.Context(), session.Request{Action: action, Text: body.Text})
		if err != nil {
			writeJSON(w, statusForError(err), map[string]any{"error": err.Error(), "snapshot": reply.Snapshot})
			return
		}
		writeJSON(w, http.StatusOK, reply)
	})

	mux.HandleFunc("GET /api/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Session.Snapshot())
	})

	mux.HandleFunc("GET /api/waveform", func(w http.ResponseWriter, r *http.Request) {
		samples := []float64{}
		if b.Waveform != nil {
			samples = b.Waveform()
		}
		writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
	})

	mux.HandleFunc("GET /api/recordings", func(w http.ResponseWriter, r *http.Request) {
		recs, err := b.Library.ListRecordings(r.Context())
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("list recordings: %v", err))
			return
		}
		if recs == nil {
			recs = []storage.Recording{}
		}
		writeJSON(w, http.StatusOK, recs)
	})

	mux.HandleFunc("GET /api/recordings/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		rec, err := b.Library.GetRecording(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("get recording: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("DELETE /api/recordings/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if snap := b.Session.Snapshot(); snap.RecordingID == id && recorder.IsActive(snap.State) {
			writeJSONError(w, http.StatusConflict, "recording in progress")
			return
		}

		var expiresAt *time.Time
		if b.TrashTTL > 0 {
			t := now().Add(b.TrashTTL)
			expiresAt = &t
		}
		entry, err := b.Library.TrashRecording(r.Context(), id, expiresAt)
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("trash recording: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	mux.HandleFunc("PUT /api/recordings/{id}/favourite", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			Favourite bool `json:"favourite"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := b.Library.SetFavourite(r.Context(), id, body.Favourite); err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("set favourite: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PUT /api/recordings/{id}/category", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			CategoryID *int64 `json:"category_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := b.Library.AssignCategory(r.Context(), id, body.CategoryID); err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("assign category: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/recordings/{id}/bookmarks", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		marks, err := b.Library.ListBookmarks(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("list bookmarks: %v", err))
			return
		}
		out := make([]bookmarkView, 0, len(marks))
		for _, m := range marks {
			out = append(out, bookmarkView{Bookmark: m, Clock: m.Clock()})
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /api/recordings/{id}/bookmarks", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			OffsetsMS []int64 `json:"offsets_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		offsets := make([]time.Duration, len(body.OffsetsMS))
		for i, ms := range body.OffsetsMS {
			offsets[i] = time.Duration(ms) * time.Millisecond
		}
		created, err := b.Bookmarks.CreateBulk(r.Context(), id, offsets)
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("import bookmarks: %v", err))
			return
		}
		out := make([]bookmarkView, 0, len(created))
		for _, m := range created {
			out = append(out, bookmarkView{Bookmark: m, Clock: m.Clock()})
		}
		writeJSON(w, http.StatusCreated, out)
	})

	mux.HandleFunc("GET /api/recordings/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if b.Audio == nil {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}
		rec, err := b.Library.GetRecording(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusForError(err), "recording not found")
			return
		}
		if rec.FileURI == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}
		path, err := b.Audio.Resolve(rec.FileURI)
		if err != nil {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(path)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", contentTypeForAudio(path))
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	})

	mux.HandleFunc("PATCH /api/bookmarks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := b.Bookmarks.Update(r.Context(), storage.Bookmark{ID: id}, body.Text)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, bookmarkView{Bookmark: updated, Clock: updated.Clock()})
	})

	mux.HandleFunc("DELETE /api/bookmarks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IDs []int64 `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		batch := make([]storage.Bookmark, len(body.IDs))
		for i, id := range body.IDs {
			batch[i] = storage.Bookmark{ID: id}
		}
		removed, err := b.Bookmarks.Delete(r.Context(), batch)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})

	mux.HandleFunc("GET /api/categories", func(w http.ResponseWriter, r *http.Request) {
		cats, err := b.Library.ListCategories(r.Context())
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("list categories: %v", err))
			return
		}
		if cats == nil {
			cats = []storage.Category{}
		}
		writeJSON(w, http.StatusOK, cats)
	})

	mux.HandleFunc("POST /api/categories", func(w http.ResponseWriter, r *http.Request) {
		var c storage.Category
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		c.ID = 0
		created, err := b.Library.CreateCategory(r.Context(), c)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("PATCH /api/categories/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := b.Library.RenameCategory(r.Context(), id, body.Name); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/categories/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := b.Library.DeleteCategory(r.Context(), id); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/trash", func(w http.ResponseWriter, r *http.Request) {
		entries, err := b.Library.ListTrash(r.Context())
		if err != nil {
			writeJSONError(w, statusForError(err), fmt.Sprintf("list trash: %v", err))
			return
		}
		if entries == nil {
			entries = []storage.TrashEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("DELETE /api/trash/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		entry, err := b.Library.GetTrash(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		if b.Audio != nil && entry.FileURI != "" {
			if err := b.Audio.Remove(r.Context(), entry.FileURI); err != nil {
				writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("remove audio: %v", err))
				return
			}
		}
		if err := b.Library.DeleteTrash(r.Context(), id); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type bookmarkView struct {
	storage.Bookmark
	Clock string `json:"clock"`
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate), errors.Is(err, recorder.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrHardwareUnavailable), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
