package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/observe"
	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/storage"
)

const defaultStopTimeout = 30 * time.Second

// Session serializes every protocol action through a single goroutine (Run)
// and mirrors the recorder to attached observers. Each state change and each
// elapsed-time change is pushed exactly once.
//
// CANCEL is the one action that takes effect before its turn in the queue:
// requesting it aborts an in-flight START or STOP, so a concurrent STOP can
// never complete once CANCEL has been asked for.
type Session struct {
	machine     Machine
	bookmarks   Bookmarks
	store       Store
	settings    SettingsFunc
	owner       string
	now         func() time.Time
	stopTimeout time.Duration

	requests chan envelope
	done     chan struct{}
	running  atomic.Bool
	marks    *observe.Value[[]time.Duration]

	// Owned by the Run goroutine.
	recordingID int64
	startedAt   time.Time

	cancelMu       sync.Mutex
	pendingCancels int
	inflight       context.CancelFunc

	obsMu     sync.Mutex
	snap      Snapshot
	observers map[int]Observer
	nextObs   int
}

type envelope struct {
	req   Request
	reply chan outcome
}

type outcome struct {
	reply Reply
	err   error
}

type Option func(*Session)

// WithOwner sets the owner recorded on every saved recording.
func WithOwner(owner string) Option {
	return func(s *Session) {
		s.owner = owner
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStopTimeout bounds the best-effort STOP performed on teardown.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

func New(machine Machine, bookmarks Bookmarks, store Store, settings SettingsFunc, opts ...Option) *Session {
	s := &Session{
		machine:     machine,
		bookmarks:   bookmarks,
		store:       store,
		settings:    settings,
		now:         time.Now,
		stopTimeout: defaultStopTimeout,
		requests:    make(chan envelope),
		done:        make(chan struct{}),
		marks:       observe.NewValue([]time.Duration(nil)),
		observers:   make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings == nil {
		s.settings = func(context.Context) (recorder.Settings, error) { return recorder.Settings{}, nil }
	}

	s.snap = Snapshot{State: machine.State(), Elapsed: machine.Elapsed()}
	machine.OnTransition(s.onTransition)
	machine.OnElapsed(s.onElapsed)
	machine.OnFailure(s.onStreamFailure)
	return s
}

// Run consumes actions until ctx is done or Shutdown is called, then tears
// the session down: an unfinished recording is stopped and saved on a best
// effort basis and the hardware is released.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}

	defer close(s.done)
	defer func() {
		if err := s.teardown(); err != nil {
			slog.Error("session teardown", "error", err)
		}
	}()

	// Actions already dequeued finish even if ctx is cancelled mid-way.
	opCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.requests:
			reply, err := s.handle(opCtx, env.req)
			env.reply <- outcome{reply: reply, err: err}
			if env.req.Action == actionShutdown {
				return nil
			}
		}
	}
}

// Do enqueues req and waits for its reply.
func (s *Session) Do(ctx context.Context, req Request) (Reply, error) {
	if req.Action == ActionCancel {
		s.requestCancel()
	}

	env := envelope{req: req, reply: make(chan outcome, 1)}
	select {
	case s.requests <- env:
	case <-s.done:
		s.withdrawCancel(req)
		return Reply{Snapshot: s.Snapshot()}, ErrClosed
	case <-ctx.Done():
		s.withdrawCancel(req)
		return Reply{}, ctx.Err()
	}

	select {
	case out := <-env.reply:
		return out.reply, out.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (s *Session) Start(ctx context.Context) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionStart})
}

func (s *Session) Pause(ctx context.Context) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionPause})
}

func (s *Session) Resume(ctx context.Context) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionResume})
}

func (s *Session) Stop(ctx context.Context) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionStop})
}

func (s *Session) Cancel(ctx context.Context) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionCancel})
}

func (s *Session) AddBookmark(ctx context.Context, text string) (Reply, error) {
	return s.Do(ctx, Request{Action: ActionAddBookmark, Text: text})
}

// Shutdown stops any active recording, saving what it can, releases the
// hardware and ends Run.
func (s *Session) Shutdown(ctx context.Context) error {
	_, err := s.Do(ctx, Request{Action: actionShutdown})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.snap.clone()
}

// Marks streams the bookmark offsets of the current session.
func (s *Session) Marks() (<-chan []time.Duration, func()) {
	return s.marks.Subscribe()
}

// Attach registers obs and immediately pushes the current snapshot to it.
// The returned func detaches obs; the recording itself is unaffected.
func (s *Session) Attach(obs Observer) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	obs.OnStateChanged(s.snap.clone())
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Session) handle(ctx context.Context, req Request) (Reply, error) {
	var (
		reply Reply
		err   error
	)

	switch req.Action {
	case ActionStart:
		err = s.start(ctx)
	case ActionPause:
		err = s.machine.Pause()
	case ActionResume:
		err = s.machine.Resume()
	case ActionStop:
		reply.Result, err = s.stop(ctx)
	case ActionCancel:
		err = s.cancel()
	case ActionAddBookmark:
		reply.Bookmark, err = s.addBookmark(ctx, req.Text)
	case actionShutdown:
		err = s.teardown()
	case actionFail:
		if req.failure == nil {
			err = fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
			break
		}
		err = s.fail(req.failure)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	reply.Snapshot = s.Snapshot()
	return reply, err
}

func (s *Session) start(ctx context.Context) error {
	if !recorder.CanStart(s.machine.State()) {
		return nil
	}
	opCtx, end, ok := s.begin(ctx)
	if !ok {
		return recorder.ErrCancelled
	}
	defer end()

	settings, err := s.settings(opCtx)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("load settings: %w", err)
	}
	id, err := s.store.NextRecordingID(opCtx)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("allocate recording id: %w", err)
	}

	s.recordingID = id
	s.startedAt = s.now()
	s.setMarks(nil)
	s.setError(nil)

	if err := s.machine.Start(opCtx, settings); err != nil {
		s.recordingID = 0
		if !errors.Is(err, recorder.ErrCancelled) {
			s.setError(err)
			slog.Warn("session start failed", "error", err)
		}
		return err
	}

	slog.Info("session started", "recording_id", id)
	return nil
}

func (s *Session) stop(ctx context.Context) (*recorder.Result, error) {
	if !recorder.CanStop(s.machine.State()) {
		return nil, nil
	}
	opCtx, end, ok := s.begin(ctx)
	if !ok {
		return nil, recorder.ErrCancelled
	}
	defer end()

	return s.finish(opCtx)
}

// finish stops the machine and saves the recording row inside its finalize
// step. A session that ends Cancelled leaves no row behind.
func (s *Session) finish(ctx context.Context) (*recorder.Result, error) {
	id := s.recordingID
	title := "Recording " + s.startedAt.Local().Format("2006-01-02 15:04")

	result, err := s.machine.Stop(ctx, func(ctx context.Context, r recorder.Result) error {
		_, err := s.store.SaveRecording(ctx, storage.Recording{
			ID:          id,
			Title:       title,
			DisplayName: r.File.Name,
			Duration:    r.Duration,
			SizeBytes:   r.File.Size,
			RecordedAt:  r.StartedAt,
			FileURI:     r.File.URI,
			Owner:       s.owner,
		})
		return err
	})

	if s.machine.State() == recorder.Cancelled {
		s.discard(id)
		if !errors.Is(err, recorder.ErrCancelled) {
			s.setError(err)
		}
		return nil, err
	}
	if err != nil {
		s.setError(err)
		return &result, err
	}

	slog.Info("session completed", "recording_id", id, "duration", result.Duration, "file", result.File.URI)
	return &result, nil
}

func (s *Session) cancel() error {
	s.cancelMu.Lock()
	if s.pendingCancels > 0 {
		s.pendingCancels--
	}
	s.cancelMu.Unlock()

	if !recorder.CanCancel(s.machine.State()) {
		return nil
	}
	id := s.recordingID
	err := s.machine.Cancel()
	s.discard(id)
	return err
}

// fail ends a session whose capture died. The error is in place before the
// machine moves to Cancelled, so observers see both in one push.
func (s *Session) fail(f *recorder.StreamFailure) error {
	id := s.recordingID

	s.obsMu.Lock()
	prev := s.snap.Error
	s.snap.Error = f.Err.Error()
	s.obsMu.Unlock()

	err := s.machine.Fail(f)
	if err == nil {
		s.obsMu.Lock()
		s.snap.Error = prev
		s.obsMu.Unlock()
		return nil
	}

	s.discard(id)
	slog.Error("session failed", "recording_id", id, "error", err)
	return err
}

// onStreamFailure runs on the device's goroutine, so the failure is queued
// like any other action.
func (s *Session) onStreamFailure(f *recorder.StreamFailure) {
	go func() {
		_, _ = s.Do(context.Background(), Request{Action: actionFail, failure: f})
	}()
}

func (s *Session) addBookmark(ctx context.Context, text string) (*storage.Bookmark, error) {
	state := s.machine.State()
	if state != recorder.Recording && state != recorder.Paused {
		return nil, nil
	}

	at := s.machine.Elapsed()
	b, err := s.bookmarks.Create(ctx, s.recordingID, at, text)
	if err != nil {
		return nil, err
	}

	s.setMarks(append(slices.Clip(s.marks.Get()), at))
	return &b, nil
}

func (s *Session) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	var errs []error
	if recorder.CanStop(s.machine.State()) {
		if _, err := s.finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	id := s.recordingID
	active := recorder.IsActive(s.machine.State())
	if err := s.machine.ReleaseResources(); err != nil {
		errs = append(errs, err)
	}
	if active {
		s.discard(id)
	}
	return errors.Join(errs...)
}

// discard removes whatever row the session left for id, such as the stub
// created by a bookmark.
func (s *Session) discard(id int64) {
	s.recordingID = 0
	s.setMarks(nil)
	if id == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.DeleteRecording(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("delete discarded recording", "recording_id", id, "error", err)
	}
}

// begin registers a cancellable context for a START or STOP. It refuses
// when a CANCEL is already waiting.
func (s *Session) begin(ctx context.Context) (context.Context, func(), bool) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	if s.pendingCancels > 0 {
		return nil, nil, false
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.inflight = cancel
	return opCtx, func() {
		s.cancelMu.Lock()
		s.inflight = nil
		s.cancelMu.Unlock()
		cancel()
	}, true
}

func (s *Session) requestCancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	s.pendingCancels++
	if s.inflight != nil {
		s.inflight()
	}
}

func (s *Session) withdrawCancel(req Request) {
	if req.Action != ActionCancel {
		return
	}
	s.cancelMu.Lock()
	if s.pendingCancels > 0 {
		s.pendingCancels--
	}
	s.cancelMu.Unlock()
}

func (s *Session) onTransition(_, to recorder.State) {
	id := s.recordingID
	if to == recorder.Idle || to == recorder.Cancelled {
		id = 0
	}

	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.snap.State = to
	s.snap.Elapsed = s.machine.Elapsed()
	s.snap.RecordingID = id
	for _, obs := range s.observers {
		obs.OnStateChanged(s.snap.clone())
	}
}

// onElapsed runs on the stopwatch's goroutine for every change, in order.
func (s *Session) onElapsed(d time.Duration) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	if s.snap.Elapsed == d {
		return
	}
	s.snap.Elapsed = d
	for _, obs := range s.observers {
		obs.OnTick(s.snap.clone())
	}
}

func (s *Session) setMarks(marks []time.Duration) {
	marks = append([]time.Duration(nil), marks...)
	s.marks.Set(marks)

	s.obsMu.Lock()
	s.snap.Bookmarks = marks
	s.obsMu.Unlock()
}

func (s *Session) setError(err error) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if err == nil {
		s.snap.Error = ""
		return
	}
	s.snap.Error = err.Error()
}
