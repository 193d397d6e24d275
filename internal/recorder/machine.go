package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/observe"
	"github.com/sjawhar/ghost-recorder/internal/stopwatch"
	"github.com/sjawhar/ghost-recorder/internal/waveform"
)

const DefaultAcquireTimeout = 3 * time.Second

// Machine drives one recording session at a time through
// Idle -> Preparing -> Recording <-> Paused -> Completed, with Cancelled
// reachable from any active state. Requests that do not fit the current
// state are ignored.
type Machine struct {
	device   Device
	files    FileProvider
	watch    *stopwatch.StopWatch
	window   *waveform.Window
	pipeline waveform.Pipeline
	timeout  time.Duration
	now      func() time.Time

	state    *observe.Value[State]
	waveform *observe.Value[[]float64]

	// mu serializes lifecycle operations. The amplitude callback never
	// takes it.
	mu           sync.Mutex
	stream       Stream
	file         *File
	settings     Settings
	startedAt    time.Time
	session      uint64
	onTransition func(from, to State)

	failMu    sync.Mutex
	onFailure func(*StreamFailure)
}

type Option func(*Machine)

func WithStopWatch(sw *stopwatch.StopWatch) Option {
	return func(m *Machine) {
		if sw != nil {
			m.watch = sw
		}
	}
}

func WithWaveformCapacity(capacity int) Option {
	return func(m *Machine) {
		m.window = waveform.NewWindow(capacity)
	}
}

func WithSmoothing(factor float64) Option {
	return func(m *Machine) {
		m.pipeline = waveform.Pipeline{Smoothing: factor}
	}
}

func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(device Device, files FileProvider, opts ...Option) *Machine {
	m := &Machine{
		device:  device,
		files:   files,
		timeout: DefaultAcquireTimeout,
		now:     time.Now,
		state:   observe.NewValue(Idle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.watch == nil {
		m.watch = stopwatch.New()
	}
	if m.window == nil {
		m.window = waveform.NewWindow(waveform.DefaultCapacity)
	}
	m.waveform = observe.NewValue(m.pipeline.Process(m.window.Snapshot()))
	return m
}

func (m *Machine) State() State {
	return m.state.Get()
}

func (m *Machine) Elapsed() time.Duration {
	return m.watch.Elapsed()
}

// Waveform returns the processed window: smoothed, then normalized.
func (m *Machine) Waveform() []float64 {
	return m.waveform.Get()
}

func (m *Machine) WaveformUpdates() (<-chan []float64, func()) {
	return m.waveform.Subscribe()
}

// OnTransition registers fn to run after every state change, on the
// goroutine that caused it and before the causing call returns.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// OnElapsed registers fn to receive every change of the elapsed time, in
// order. fn runs on the stopwatch's goroutine and must return quickly.
func (m *Machine) OnElapsed(fn func(time.Duration)) {
	m.watch.OnChange(fn)
}

// OnFailure registers fn to hear about captures that die mid-session. fn
// runs on the device's goroutine and must not block; the owner is expected
// to pass the failure to Fail. Without a handler the machine fails the
// session itself.
func (m *Machine) OnFailure(fn func(*StreamFailure)) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.onFailure = fn
}

// Settings returns the settings of the current or most recent session.
func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Start acquires the microphone and begins recording. A hardware failure
// returns a *HardwareError and leaves the machine Idle with nothing held.
// Cancelling ctx before the hardware is ready ends in Cancelled.
func (m *Machine) Start(ctx context.Context, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanStart(m.state.Get()) {
		return nil
	}
	settings.Format = settings.format()
	m.session++
	session := m.session
	m.setState(Preparing)

	file, err := m.files.CreateFile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			m.setState(Cancelled)
			return ErrCancelled
		}
		m.setState(Idle)
		return &StorageWriteError{Op: "create file", Err: err}
	}

	stream, err := m.acquire(ctx, StreamParams{
		Path:            file.TempPath,
		Format:          settings.Format,
		SampleRate:      settings.Rate(),
		Channels:        1,
		PreferBluetooth: settings.PreferBluetoothMic,
		OnAmplitude:     m.onAmplitude,
		OnFailure: func(err error) {
			m.streamFailed(&StreamFailure{Err: asFailureError(err), session: session})
		},
	})
	if err == nil {
		if startErr := stream.Start(); startErr != nil {
			_ = stream.Close()
			err = asHardwareError(startErr)
		}
	}
	if err != nil {
		if delErr := m.files.Delete(file); delErr != nil {
			slog.Warn("delete recording file after failed start", "file", file.ID, "error", delErr)
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			m.setState(Cancelled)
			return ErrCancelled
		}
		m.setState(Idle)
		return err
	}

	m.stream = stream
	m.file = file
	m.settings = settings
	m.startedAt = m.now()
	m.window.Reset()
	m.waveform.Set(m.pipeline.Process(m.window.Snapshot()))
	m.setState(Recording)

	slog.Info("recording started", "file", file.ID, "format", settings.Format, "sample_rate", settings.Rate())
	return nil
}

// acquire opens the device off the caller's goroutine so a hung driver
// cannot outlive the timeout. A stream that arrives late is closed.
func (m *Machine) acquire(ctx context.Context, params StreamParams) (Stream, error) {
	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type opened struct {
		stream Stream
		err    error
	}
	done := make(chan opened, 1)
	go func() {
		s, err := m.device.Open(actx, params)
		done <- opened{stream: s, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, asHardwareError(o.err)
		}
		return o.stream, nil
	case <-actx.Done():
		go func() {
			if o := <-done; o.stream != nil {
				_ = o.stream.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &HardwareError{Reason: Timeout, Err: actx.Err()}
	}
}

func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanPause(m.state.Get()) {
		return nil
	}
	if err := m.stream.Pause(); err != nil {
		return fmt.Errorf("pause capture: %w", err)
	}
	m.setState(Paused)
	return nil
}

func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanResume(m.state.Get()) {
		return nil
	}
	if err := m.stream.Resume(); err != nil {
		return fmt.Errorf("resume capture: %w", err)
	}
	m.setState(Recording)
	return nil
}

// Stop finishes the session: it takes the final duration, flushes the
// encoder, releases the hardware, moves the file into the library and hands
// the result to finalize. The hardware is released even when the flush
// fails.
//
// A flush or transfer failure discards the file and ends in Cancelled with a
// *StorageWriteError. A finalize failure still ends in Completed and returns
// the error. If ctx is cancelled at any point the session ends in Cancelled
// with ErrCancelled, even when every step succeeded.
func (m *Machine) Stop(ctx context.Context, finalize FinalizeFunc) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanStop(m.state.Get()) {
		return Result{}, nil
	}

	result := Result{
		StartedAt: m.startedAt,
		Duration:  m.watch.Stop(),
		Settings:  m.settings,
	}
	file := m.file

	finishErr := m.stream.Finish(ctx)
	if err := m.closeStream(); err != nil {
		slog.Warn("release capture after stop", "error", err)
	}
	if finishErr != nil {
		return result, m.discard(ctx, file, &StorageWriteError{Op: "finish encoder", Err: finishErr})
	}

	stored, err := m.files.Transfer(ctx, file, m.settings.Format)
	if err != nil {
		return result, m.discard(ctx, file, &StorageWriteError{Op: "transfer file", Err: err})
	}
	result.File = stored

	if ctx.Err() != nil {
		return result, m.discard(ctx, file, ErrCancelled)
	}

	var finalizeErr error
	if finalize != nil {
		finalizeErr = finalize(ctx, result)
	}
	if ctx.Err() != nil {
		return result, m.discard(ctx, file, ErrCancelled)
	}

	m.file = nil
	m.setState(Completed)
	if finalizeErr != nil {
		slog.Error("recording saved without metadata", "file", stored.URI, "error", finalizeErr)
		return result, fmt.Errorf("finalize recording: %w", finalizeErr)
	}

	slog.Info("recording completed", "file", stored.URI, "duration", result.Duration, "size", stored.Size)
	return result, nil
}

// Cancel discards the active session and its partial file.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanCancel(m.state.Get()) {
		return nil
	}

	err := errors.Join(m.closeStream(), m.deleteFile())
	m.setState(Cancelled)
	slog.Info("recording cancelled")
	if err != nil {
		return fmt.Errorf("cancel recording: %w", err)
	}
	return nil
}

// Fail ends the session whose capture died, releasing the hardware and
// discarding the partial file, and returns the failure's cause. It does
// nothing and returns nil if that session has already ended.
func (m *Machine) Fail(f *StreamFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f == nil || f.session != m.session || !IsActive(m.state.Get()) {
		return nil
	}

	if err := errors.Join(m.closeStream(), m.deleteFile()); err != nil {
		slog.Warn("release failed recording", "error", err)
	}
	m.setState(Cancelled)
	slog.Error("recording failed", "error", f.Err)
	return f.Err
}

func (m *Machine) streamFailed(f *StreamFailure) {
	m.failMu.Lock()
	fn := m.onFailure
	m.failMu.Unlock()

	if fn != nil {
		fn(f)
		return
	}
	go func() { _ = m.Fail(f) }()
}

// ReleaseResources closes any held hardware. An active session is discarded
// as if cancelled. It is safe to call repeatedly and from any state.
func (m *Machine) ReleaseResources() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.closeStream()
	if IsActive(m.state.Get()) {
		err = errors.Join(err, m.deleteFile())
		m.setState(Cancelled)
	}
	if err != nil {
		return fmt.Errorf("release recorder: %w", err)
	}
	return nil
}

// discard ends a failed stop in Cancelled. Cancellation of ctx takes
// precedence over cause.
func (m *Machine) discard(ctx context.Context, file *File, cause error) error {
	if file != nil {
		if err := m.files.Delete(file); err != nil {
			slog.Warn("delete discarded recording", "file", file.ID, "error", err)
		}
	}
	m.file = nil
	m.setState(Cancelled)

	if ctx.Err() != nil {
		return ErrCancelled
	}
	slog.Error("recording discarded", "error", cause)
	return cause
}

func (m *Machine) closeStream() error {
	if m.stream == nil {
		return nil
	}
	s := m.stream
	m.stream = nil
	return s.Close()
}

func (m *Machine) deleteFile() error {
	if m.file == nil {
		return nil
	}
	f := m.file
	m.file = nil
	return m.files.Delete(f)
}

// setState publishes s and mirrors it onto the stopwatch. Completed is
// mirrored by Stop itself, which needs the final duration first.
func (m *Machine) setState(s State) {
	from := m.state.Get()
	switch s {
	case Idle, Preparing:
		m.watch.Reset()
	case Recording:
		m.watch.StartOrResume()
	case Paused:
		m.watch.Pause()
	case Cancelled:
		m.watch.Cancel()
	}
	m.state.Set(s)
	if m.onTransition != nil && from != s {
		m.onTransition(from, s)
	}
}

func (m *Machine) onAmplitude(sample float64) {
	if !CanReadAmplitudes(m.state.Get()) {
		return
	}
	m.window.Push(sample)
	m.waveform.Set(m.pipeline.Process(m.window.Snapshot()))
}
