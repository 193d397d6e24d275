package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/waveform"
)

// capture is one open microphone stream. A reader goroutine runs while the
// stream is started; pausing stops it so no samples reach the spool.
type capture struct {
	src    source
	buf    []int16
	spool  *Spool
	params recorder.StreamParams
	encode EncodeFunc

	mu       sync.Mutex
	reading  *reader
	started  bool
	finished bool
	closed   bool
	readErr  error
	writeErr error
	failOnce sync.Once
}

type reader struct {
	done   chan struct{}
	exited chan struct{}
}

func newCapture(src source, buf []int16, spool *Spool, params recorder.StreamParams, encode EncodeFunc) *capture {
	return &capture{src: src, buf: buf, spool: spool, params: params, encode: encode}
}

func (c *capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.finished {
		return errors.New("capture already ended")
	}
	if c.reading != nil {
		return nil
	}
	if err := c.src.Start(); err != nil {
		return classify(err)
	}
	c.started = true
	c.spawnLocked()
	return nil
}

func (c *capture) Pause() error {
	c.mu.Lock()
	r := c.detachLocked()
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	c.join(r)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.src.Stop(); err != nil {
		// The stream may still be delivering audio, so keep reading it.
		if !c.closed && !c.finished {
			c.spawnLocked()
		}
		return fmt.Errorf("stop capture stream: %w", err)
	}
	c.started = false
	return nil
}

func (c *capture) Resume() error {
	return c.Start()
}

// Finish stops capture and encodes everything spooled so far into
// params.Path.
func (c *capture) Finish(ctx context.Context) error {
	if err := c.halt(); err != nil {
		slog.Warn("stop capture stream", "error", err)
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.finished = true
	readErr, writeErr := c.readErr, c.writeErr
	c.mu.Unlock()

	defer func() {
		if err := c.spool.Remove(); err != nil {
			slog.Warn("remove pcm spool", "path", c.spool.Path(), "error", err)
		}
	}()

	if writeErr != nil {
		return writeErr
	}
	if readErr != nil {
		slog.Warn("capture ended early", "path", c.params.Path, "error", readErr)
	}
	if err := c.spool.Close(); err != nil {
		return err
	}

	if err := c.encode(ctx, c.spool.Path(), c.params.Path, c.params.Format, c.params.SampleRate, c.params.Channels); err != nil {
		return fmt.Errorf("encode %s: %w", c.params.Format, err)
	}
	return nil
}

// Close releases the hardware. Unfinished spooled audio is discarded.
func (c *capture) Close() error {
	stopErr := c.halt()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	finished := c.finished
	c.mu.Unlock()

	if !finished {
		if err := c.spool.Remove(); err != nil {
			slog.Warn("remove pcm spool", "path", c.spool.Path(), "error", err)
		}
	}
	return errors.Join(stopErr, c.src.Close())
}

// halt stops the reader and the hardware stream if either is running.
func (c *capture) halt() error {
	c.mu.Lock()
	r := c.detachLocked()
	c.mu.Unlock()
	c.join(r)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return c.src.Stop()
}

func (c *capture) spawnLocked() {
	r := &reader{done: make(chan struct{}), exited: make(chan struct{})}
	c.reading = r
	go c.loop(r)
}

func (c *capture) detachLocked() *reader {
	r := c.reading
	c.reading = nil
	return r
}

func (c *capture) join(r *reader) {
	if r == nil {
		return
	}
	close(r.done)
	<-r.exited
}

func (c *capture) loop(r *reader) {
	defer close(r.exited)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		if err := c.src.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("capture input overflowed")
				continue
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.fail(classify(err))
			return
		}

		if err := c.spool.Write(c.buf); err != nil {
			c.mu.Lock()
			c.writeErr = err
			c.mu.Unlock()
			c.fail(&recorder.StorageWriteError{Op: "write pcm spool", Err: err})
			return
		}
		if c.params.OnAmplitude != nil {
			c.params.OnAmplitude(waveform.RMS(c.buf))
		}
	}
}

// fail reports that capture stopped on its own. Only the first failure is
// reported.
func (c *capture) fail(err error) {
	slog.Error("capture failed", "path", c.params.Path, "error", err)
	c.failOnce.Do(func() {
		if c.params.OnFailure != nil {
			c.params.OnFailure(err)
		}
	})
}
