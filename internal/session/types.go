package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/storage"
)

// Action is a token of the session protocol, as sent by clients.
type Action string

const (
	ActionStart       Action = "START"
	ActionPause       Action = "PAUSE"
	ActionResume      Action = "RESUME"
	ActionStop        Action = "STOP"
	ActionCancel      Action = "CANCEL"
	ActionAddBookmark Action = "ADD_BOOKMARK"

	actionShutdown Action = "shutdown"
	actionFail     Action = "fail"
)

var actions = []Action{ActionStart, ActionPause, ActionResume, ActionStop, ActionCancel, ActionAddBookmark}

func ParseAction(raw string) (Action, error) {
	token := Action(strings.ToUpper(strings.TrimSpace(raw)))
	for _, a := range actions {
		if a == token {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

type Request struct {
	Action Action `json:"action"`
	// Text is the bookmark label for ADD_BOOKMARK.
	Text string `json:"text,omitempty"`

	failure *recorder.StreamFailure
}

type Reply struct {
	Snapshot Snapshot          `json:"snapshot"`
	Bookmark *storage.Bookmark `json:"bookmark,omitempty"`
	Result   *recorder.Result  `json:"result,omitempty"`
}

// Snapshot is what observers see of the session.
type Snapshot struct {
	State       recorder.State  `json:"state"`
	Elapsed     time.Duration   `json:"elapsed"`
	RecordingID int64           `json:"recording_id,omitempty"`
	Bookmarks   []time.Duration `json:"bookmarks"`
	Error       string          `json:"error,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Bookmarks = append([]time.Duration(nil), s.Bookmarks...)
	return s
}

// Observer mirrors the session outside the engine, e.g. a notification or a
// websocket hub. Calls are made while the session holds its observer lock,
// so implementations must return quickly and must not call back into the
// session.
type Observer interface {
	OnStateChanged(s Snapshot)
	OnTick(s Snapshot)
}

// Machine is the recording state machine the session drives. The session
// must be its only caller.
type Machine interface {
	Start(ctx context.Context, settings recorder.Settings) error
	Pause() error
	Resume() error
	Stop(ctx context.Context, finalize recorder.FinalizeFunc) (recorder.Result, error)
	Cancel() error
	ReleaseResources() error
	State() recorder.State
	Elapsed() time.Duration
	OnElapsed(fn func(time.Duration))
	OnTransition(fn func(from, to recorder.State))
	OnFailure(fn func(*recorder.StreamFailure))
	Fail(f *recorder.StreamFailure) error
}

type Bookmarks interface {
	Create(ctx context.Context, recordingID int64, at time.Duration, text string) (storage.Bookmark, error)
}

type Store interface {
	NextRecordingID(ctx context.Context) (int64, error)
	SaveRecording(ctx context.Context, rec storage.Recording) (int64, error)
	DeleteRecording(ctx context.Context, id int64) error
}

// SettingsFunc loads recorder settings. It is called once per START.
type SettingsFunc func(ctx context.Context) (recorder.Settings, error)
