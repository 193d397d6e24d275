package recorder

import (
	"context"
	"time"
)

// StreamParams describes the capture a Device should open.
type StreamParams struct {
	// Path is where encoded audio is written while recording.
	Path            string
	Format          Format
	SampleRate      int
	Channels        int
	PreferBluetooth bool
	// OnAmplitude receives one RMS sample in [0,1] per hardware buffer. It
	// is called from the device's own goroutine and must not block.
	OnAmplitude func(float64)
	// OnFailure is called at most once, from the device's goroutine, when a
	// started capture stops on its own: the microphone went away or the
	// audio could not be written. It must not block.
	OnFailure func(error)
}

// Device opens microphone capture streams.
type Device interface {
	Open(ctx context.Context, params StreamParams) (Stream, error)
}

// Stream is one open capture. Finish flushes encoded audio to
// StreamParams.Path; Close releases the hardware and may be called after
// Finish or on its own.
type Stream interface {
	Start() error
	Pause() error
	Resume() error
	Finish(ctx context.Context) error
	Close() error
}

// File is a recording's audio file as it moves from scratch space into the
// library.
type File struct {
	ID         string
	TempPath   string
	StoredPath string
	CreatedAt  time.Time
}

type StoredFile struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileProvider owns where recorded audio lives.
type FileProvider interface {
	CreateFile(ctx context.Context) (*File, error)
	Transfer(ctx context.Context, f *File, format Format) (StoredFile, error)
	Delete(f *File) error
}

// Result describes a stopped session.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	File      StoredFile    `json:"file"`
	Settings  Settings      `json:"settings"`
}

// FinalizeFunc persists a stopped session before it is reported complete.
type FinalizeFunc func(ctx context.Context, r Result) error
