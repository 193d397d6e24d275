package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
)

const DefaultFramesPerBuffer = 1024

// Init initializes PortAudio for the process. The returned func terminates
// it.
func Init() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// source is the blocking-read capture surface of a PortAudio stream. Read
// fills the buffer the stream was opened with.
type source interface {
	Start() error
	Stop() error
	Read() error
	Close() error
}

// Mic is a recorder.Device backed by PortAudio.
type Mic struct {
	framesPerBuffer int
	encode          EncodeFunc
	open            func(params recorder.StreamParams, buf []int16) (source, error)
}

type MicOption func(*Mic)

func WithEncoder(fn EncodeFunc) MicOption {
	return func(m *Mic) {
		if fn != nil {
			m.encode = fn
		}
	}
}

// NewMic returns a device that reads framesPerBuffer frames per hardware
// buffer.
func NewMic(framesPerBuffer int, opts ...MicOption) *Mic {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	m := &Mic{framesPerBuffer: framesPerBuffer, encode: Encode, open: openPortAudio}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mic) Open(ctx context.Context, params recorder.StreamParams) (recorder.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params.Channels <= 0 {
		params.Channels = 1
	}

	buf := make([]int16, m.framesPerBuffer*params.Channels)
	src, err := m.open(params, buf)
	if err != nil {
		return nil, classify(err)
	}

	spool, err := NewSpool(params.Path + ".pcm")
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return newCapture(src, buf, spool, params, m.encode), nil
}

func openPortAudio(params recorder.StreamParams, buf []int16) (source, error) {
	in, err := inputDevice(params.PreferBluetooth)
	if err != nil {
		return nil, err
	}

	p := portaudio.LowLatencyParameters(in, nil)
	p.Input.Channels = params.Channels
	p.SampleRate = float64(params.SampleRate)
	p.FramesPerBuffer = len(buf) / params.Channels

	stream, err := portaudio.OpenStream(p, buf)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// inputDevice picks a bluetooth input when asked and one is present, and
// the host's default input otherwise.
func inputDevice(preferBluetooth bool) (*portaudio.DeviceInfo, error) {
	if preferBluetooth {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.MaxInputChannels > 0 && looksBluetooth(d.Name) {
				slog.Info("using bluetooth microphone", "device", d.Name)
				return d, nil
			}
		}
		slog.Debug("no bluetooth microphone found, using default input")
	}
	return portaudio.DefaultInputDevice()
}

func looksBluetooth(name string) bool {
	name = strings.ToLower(name)
	for _, hint := range []string{"bluetooth", "bluez", "airpods", "headset", "hands-free", "a2dp"} {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	var hw *recorder.HardwareError
	if errors.As(err, &hw) {
		return err
	}

	reason := recorder.Unavailable
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		reason = recorder.DeviceBusy
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		reason = recorder.PermissionDenied
	case strings.Contains(strings.ToLower(err.Error()), "busy"):
		reason = recorder.DeviceBusy
	}
	return &recorder.HardwareError{Reason: reason, Err: err}
}
