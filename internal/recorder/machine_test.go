package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/stopwatch"
)

type fakeStream struct {
	mu        sync.Mutex
	calls     []string
	finishErr error
	closes    int
}

func (s *fakeStream) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeStream) Start() error  { s.record("start"); return nil }
func (s *fakeStream) Pause() error  { s.record("pause"); return nil }
func (s *fakeStream) Resume() error { s.record("resume"); return nil }

func (s *fakeStream) Finish(context.Context) error {
	s.record("finish")
	return s.finishErr
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.record("close")
	return nil
}

func (s *fakeStream) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeDevice struct {
	stream  *fakeStream
	openErr error
	block   chan struct{}

	mu     sync.Mutex
	params StreamParams
}

func (d *fakeDevice) Open(ctx context.Context, params StreamParams) (Stream, error) {
	d.mu.Lock()
	d.params = params
	d.mu.Unlock()

	if d.block != nil {
		<-d.block
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func (d *fakeDevice) Amplitude(sample float64) {
	d.mu.Lock()
	fn := d.params.OnAmplitude
	d.mu.Unlock()
	fn(sample)
}

// Fail reports a capture that died on its own.
func (d *fakeDevice) Fail(err error) {
	d.mu.Lock()
	fn := d.params.OnFailure
	d.mu.Unlock()
	fn(err)
}

type fakeFiles struct {
	mu          sync.Mutex
	created     int
	deleted     []string
	transferErr error
}

func (f *fakeFiles) CreateFile(context.Context) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &File{ID: "f1", TempPath: "/tmp/f1"}, nil
}

func (f *fakeFiles) Transfer(_ context.Context, file *File, format Format) (StoredFile, error) {
	if f.transferErr != nil {
		return StoredFile{}, f.transferErr
	}
	file.StoredPath = "/lib/" + file.ID + format.Extension()
	return StoredFile{URI: "file://" + file.StoredPath, Name: file.ID + format.Extension(), Size: 42}, nil
}

func (f *fakeFiles) Delete(file *File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, file.ID)
	return nil
}

func (f *fakeFiles) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMachine(t *testing.T, dev *fakeDevice, files *fakeFiles, opts ...Option) (*Machine, *manualClock) {
	t.Helper()

	clock := &manualClock{now: time.Date(2026, 2, 26, 9, 0, 0, 0, time.UTC)}
	sw := stopwatch.New(stopwatch.WithClock(clock.Now), stopwatch.WithTickInterval(time.Hour))
	opts = append([]Option{WithStopWatch(sw), WithClock(clock.Now), WithWaveformCapacity(4)}, opts...)
	m := NewMachine(dev, files, opts...)
	t.Cleanup(func() { _ = m.ReleaseResources() })
	return m, clock
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		state                                                   State
		start, pause, resume, stop, cancel, amps, active, final bool
	}{
		{Idle, true, false, false, false, false, false, false, false},
		{Preparing, false, false, false, false, true, false, true, false},
		{Recording, false, true, false, true, true, true, true, false},
		{Paused, false, false, true, true, true, false, true, false},
		{Completed, true, false, false, false, false, false, false, true},
		{Cancelled, true, false, false, false, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got := []bool{
				CanStart(tt.state), CanPause(tt.state), CanResume(tt.state), CanStop(tt.state),
				CanCancel(tt.state), CanReadAmplitudes(tt.state), IsActive(tt.state), IsTerminal(tt.state),
			}
			want := []bool{tt.start, tt.pause, tt.resume, tt.stop, tt.cancel, tt.amps, tt.active, tt.final}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("predicate %d: expected %v, got %v", i, want[i], got[i])
				}
			}
		})
	}
}

func TestStateText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("paused")); err != nil || s != Paused {
		t.Fatalf("expected paused, got %v (%v)", s, err)
	}
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestFullLifecycle(t *testing.T) {
	stream := &fakeStream{}
	dev := &fakeDevice{stream: stream}
	files := &fakeFiles{}
	m, clock := newTestMachine(t, dev, files)
	ctx := context.Background()

	if err := m.Start(ctx, Settings{Format: FormatMP3, Quality: QualityHigh}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.State() != Recording {
		t.Fatalf("expected recording, got %s", m.State())
	}
	if dev.params.SampleRate != 44100 || dev.params.Path != "/tmp/f1" || dev.params.Channels != 1 {
		t.Fatalf("unexpected stream params: %#v", dev.params)
	}

	clock.Advance(2 * time.Second)
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	clock.Advance(3 * time.Second)

	var finalized Result
	result, err := m.Stop(ctx, func(_ context.Context, r Result) error {
		finalized = r
		return nil
	})
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if m.State() != Completed {
		t.Fatalf("expected completed, got %s", m.State())
	}
	if result.Duration != 5*time.Second {
		t.Fatalf("expected 5s recorded, got %s", result.Duration)
	}
	if m.Elapsed() != 0 {
		t.Fatalf("expected elapsed reset after stop, got %s", m.Elapsed())
	}
	if finalized.File.URI != "file:///lib/f1.mp3" || result.File != finalized.File {
		t.Fatalf("unexpected finalized result: %#v", finalized)
	}

	wantCalls := []string{"start", "pause", "resume", "finish", "close"}
	if got := stream.Calls(); len(got) != len(wantCalls) {
		t.Fatalf("expected calls %v, got %v", wantCalls, got)
	} else {
		for i := range wantCalls {
			if got[i] != wantCalls[i] {
				t.Fatalf("expected calls %v, got %v", wantCalls, got)
			}
		}
	}

	if err := m.ReleaseResources(); err != nil {
		t.Fatalf("ReleaseResources failed: %v", err)
	}
	if stream.Closes() != 1 {
		t.Fatalf("expected exactly one close, got %d", stream.Closes())
	}
	if len(files.Deleted()) != 0 {
		t.Fatalf("expected completed file kept, deleted %v", files.Deleted())
	}
}

func TestIllegalTransitionsAreNoOps(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDevice{stream: &fakeStream{}}, &fakeFiles{})

	if err := m.Pause(); err != nil {
		t.Fatalf("Pause from idle returned %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume from idle returned %v", err)
	}
	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel from idle returned %v", err)
	}
	if _, err := m.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop from idle returned %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("second Start returned %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume while recording returned %v", err)
	}
	if m.State() != Recording {
		t.Fatalf("expected recording, got %s", m.State())
	}
}

func TestStartHardwareFailureLeavesIdle(t *testing.T) {
	denied := &HardwareError{Reason: PermissionDenied}
	files := &fakeFiles{}
	m, _ := newTestMachine(t, &fakeDevice{openErr: denied}, files)

	err := m.Start(context.Background(), Settings{})
	if !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("expected ErrHardwareUnavailable, got %v", err)
	}
	var hw *HardwareError
	if !errors.As(err, &hw) || hw.Reason != PermissionDenied {
		t.Fatalf("expected permission denied reason, got %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if got := files.Deleted(); len(got) != 1 {
		t.Fatalf("expected scratch file deleted, got %v", got)
	}
}

func TestStartWrapsUnknownDeviceErrors(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDevice{openErr: errors.New("alsa exploded")}, &fakeFiles{})

	err := m.Start(context.Background(), Settings{})
	var hw *HardwareError
	if !errors.As(err, &hw) || hw.Reason != Unavailable {
		t.Fatalf("expected unavailable hardware error, got %v", err)
	}
}

func TestStartTimesOutAndClosesLateStream(t *testing.T) {
	stream := &fakeStream{}
	dev := &fakeDevice{stream: stream, block: make(chan struct{})}
	m, _ := newTestMachine(t, dev, &fakeFiles{}, WithAcquireTimeout(20*time.Millisecond))

	err := m.Start(context.Background(), Settings{})
	var hw *HardwareError
	if !errors.As(err, &hw) || hw.Reason != Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}

	close(dev.block)
	deadline := time.After(2 * time.Second)
	for stream.Closes() != 1 {
		select {
		case <-deadline:
			t.Fatal("late stream was never closed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartCancelledContextEndsCancelled(t *testing.T) {
	dev := &fakeDevice{stream: &fakeStream{}, block: make(chan struct{})}
	defer close(dev.block)
	m, _ := newTestMachine(t, dev, &fakeFiles{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := m.Start(ctx, Settings{}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if m.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", m.State())
	}
}

func TestStopFinishFailureStillReleasesHardware(t *testing.T) {
	stream := &fakeStream{finishErr: errors.New("encoder flush failed")}
	files := &fakeFiles{}
	m, _ := newTestMachine(t, &fakeDevice{stream: stream}, files)

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	finalized := false
	_, err := m.Stop(context.Background(), func(context.Context, Result) error {
		finalized = true
		return nil
	})
	if !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	if finalized {
		t.Fatal("finalize must not run after a failed flush")
	}
	if stream.Closes() != 1 {
		t.Fatalf("expected hardware released once, got %d", stream.Closes())
	}
	if m.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", m.State())
	}
	if got := files.Deleted(); len(got) != 1 {
		t.Fatalf("expected partial file deleted, got %v", got)
	}
}

func TestStopTransferFailureIsStorageWrite(t *testing.T) {
	files := &fakeFiles{transferErr: errors.New("disk full")}
	m, _ := newTestMachine(t, &fakeDevice{stream: &fakeStream{}}, files)

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := m.Stop(context.Background(), nil)

	var swe *StorageWriteError
	if !errors.As(err, &swe) || swe.Op != "transfer file" {
		t.Fatalf("expected transfer StorageWriteError, got %v", err)
	}
	if m.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", m.State())
	}
}

func TestStopFinalizeFailureStillCompletes(t *testing.T) {
	files := &fakeFiles{}
	m, _ := newTestMachine(t, &fakeDevice{stream: &fakeStream{}}, files)

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	boom := errors.New("db locked")
	_, err := m.Stop(context.Background(), func(context.Context, Result) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected finalize error, got %v", err)
	}
	if m.State() != Completed {
		t.Fatalf("expected completed, got %s", m.State())
	}
	if len(files.Deleted()) != 0 {
		t.Fatalf("expected file kept, deleted %v", files.Deleted())
	}
}

func TestStopCancelledDuringFinalizeEndsCancelled(t *testing.T) {
	files := &fakeFiles{}
	stream := &fakeStream{}
	m, _ := newTestMachine(t, &fakeDevice{stream: stream}, files)

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Stop(ctx, func(context.Context, Result) error {
		cancel()
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if m.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", m.State())
	}
	if got := files.Deleted(); len(got) != 1 {
		t.Fatalf("expected transferred file deleted, got %v", got)
	}
	if stream.Closes() != 1 {
		t.Fatalf("expected one close, got %d", stream.Closes())
	}
}

func TestCancelReleasesOnce(t *testing.T) {
	stream := &fakeStream{}
	files := &fakeFiles{}
	m, _ := newTestMachine(t, &fakeDevice{stream: stream}, files)

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := m.Cancel(); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if err := m.ReleaseResources(); err != nil {
		t.Fatalf("ReleaseResources failed: %v", err)
	}

	if m.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", m.State())
	}
	if stream.Closes() != 1 {
		t.Fatalf("expected one close, got %d", stream.Closes())
	}
	if got := files.Deleted(); len(got) != 1 {
		t.Fatalf("expected one delete, got %v", got)
	}
}

func TestReleaseResourcesDiscardsActiveSession(t *testing.T) {
	stream := &fakeStream{}
	m, _ := newTestMachine(t, &fakeDevice{stream: stream}, &fakeFiles{})

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.ReleaseResources(); err != nil {
			t.Fatalf("ReleaseResources #%d failed: %v", i, err)
		}
	}
	if m.State() != Cancelled || stream.Closes() != 1 {
		t.Fatalf("expected cancelled with one close, got %s / %d", m.State(), stream.Closes())
	}
}

func TestAmplitudesOnlyWhileRecording(t *testing.T) {
	dev := &fakeDevice{stream: &fakeStream{}}
	m, _ := newTestMachine(t, dev, &fakeFiles{})

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	updates, unsubscribe := m.WaveformUpdates()
	defer unsubscribe()
	<-updates

	dev.Amplitude(0.2)
	dev.Amplitude(0.6)
	got := <-updates
	if len(got) != 4 {
		t.Fatalf("expected window of 4, got %d", len(got))
	}

	if err := m.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	before := m.Waveform()
	dev.Amplitude(0.9)
	after := m.Waveform()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("expected paused amplitudes ignored, %v -> %v", before, after)
		}
	}
}

func TestStreamFailureEndsSessionCancelled(t *testing.T) {
	stream := &fakeStream{}
	dev := &fakeDevice{stream: stream}
	files := &fakeFiles{}
	m, clock := newTestMachine(t, dev, files)

	failures := make(chan *StreamFailure, 1)
	m.OnFailure(func(f *StreamFailure) { failures <- f })

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(time.Second)

	dev.Fail(errors.New("disk full"))
	f := <-failures
	if m.State() != Recording {
		t.Fatalf("expected the owner to decide, got %s", m.State())
	}

	err := m.Fail(f)
	if !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("expected storage write error, got %v", err)
	}
	if m.State() != Cancelled || m.Elapsed() != 0 {
		t.Fatalf("expected cancelled with elapsed reset, got %s / %s", m.State(), m.Elapsed())
	}
	if stream.Closes() != 1 || len(files.Deleted()) != 1 {
		t.Fatalf("expected hardware released and file deleted, got closes=%d deleted=%v", stream.Closes(), files.Deleted())
	}
	if err := m.Fail(f); err != nil {
		t.Fatalf("expected repeated Fail to be a no-op, got %v", err)
	}
}

func TestStaleStreamFailureIgnored(t *testing.T) {
	dev := &fakeDevice{stream: &fakeStream{}}
	m, _ := newTestMachine(t, dev, &fakeFiles{})

	failures := make(chan *StreamFailure, 1)
	m.OnFailure(func(f *StreamFailure) { failures <- f })

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	dev.Fail(&HardwareError{Reason: Unavailable})
	stale := <-failures

	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	dev.stream = &fakeStream{}
	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if err := m.Fail(stale); err != nil {
		t.Fatalf("expected stale failure ignored, got %v", err)
	}
	if m.State() != Recording {
		t.Fatalf("expected new session still recording, got %s", m.State())
	}
}

func TestStreamFailureWithoutHandlerFailsItself(t *testing.T) {
	stream := &fakeStream{}
	dev := &fakeDevice{stream: stream}
	m, _ := newTestMachine(t, dev, &fakeFiles{})

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	dev.Fail(&HardwareError{Reason: Unavailable, Err: errors.New("unplugged")})

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Cancelled {
		if time.Now().After(deadline) {
			t.Fatalf("expected cancelled after capture failure, got %s", m.State())
		}
		time.Sleep(time.Millisecond)
	}
	if stream.Closes() != 1 {
		t.Fatalf("expected one close, got %d", stream.Closes())
	}
}

func TestOnElapsedSeesEveryChange(t *testing.T) {
	m, clock := newTestMachine(t, &fakeDevice{stream: &fakeStream{}}, &fakeFiles{})

	var mu sync.Mutex
	var got []time.Duration
	m.OnElapsed(func(d time.Duration) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})

	if err := m.Start(context.Background(), Settings{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Fatalf("expected [1s 2s], got %v", got)
	}
}
