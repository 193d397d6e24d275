package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
)

const (
	pcmBitDepth    = 16
	encodeChunkLen = 4096
)

// EncodeFunc turns a raw PCM16-LE spool into an audio file.
type EncodeFunc func(ctx context.Context, rawPath, outPath string, format recorder.Format, sampleRate, channels int) error

// Encode writes WAV itself and hands MP3 to ffmpeg, falling back to lame.
func Encode(ctx context.Context, rawPath, outPath string, format recorder.Format, sampleRate, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	switch format {
	case recorder.FormatMP3:
		ffErr := encodeWithFFmpeg(ctx, rawPath, outPath, sampleRate, channels)
		if ffErr == nil {
			return nil
		}
		lameErr := encodeWithLame(ctx, rawPath, outPath, sampleRate, channels)
		if lameErr == nil {
			return nil
		}
		return fmt.Errorf("encode mp3: %w", errors.Join(ffErr, lameErr))
	case recorder.FormatWAV, "":
		return EncodeWAV(rawPath, outPath, sampleRate, channels)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// EncodeWAV streams the spool into a 16-bit PCM WAV file.
func EncodeWAV(rawPath, outPath string, sampleRate, channels int) error {
	in, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("open raw pcm data: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wav output: %w", err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, sampleRate, pcmBitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, 0, encodeChunkLen),
		SourceBitDepth: pcmBitDepth,
	}

	r := bufio.NewReader(in)
	raw := make([]byte, encodeChunkLen*2)
	wrote := false
	for {
		n, readErr := io.ReadFull(r, raw)
		n -= n % 2
		if n > 0 {
			buf.Data = buf.Data[:0]
			for i := 0; i < n; i += 2 {
				buf.Data = append(buf.Data, int(int16(binary.LittleEndian.Uint16(raw[i:]))))
			}
			if err := enc.Write(buf); err != nil {
				_ = enc.Close()
				return fmt.Errorf("write wav payload: %w", err)
			}
			wrote = true
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			_ = enc.Close()
			return fmt.Errorf("read raw pcm data: %w", readErr)
		}
	}

	// The header is only emitted by Write, so an empty capture still needs one.
	if !wrote {
		buf.Data = buf.Data[:0]
		if err := enc.Write(buf); err != nil {
			_ = enc.Close()
			return fmt.Errorf("write wav header: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav header: %w", err)
	}
	return nil
}

func encodeWithFFmpeg(ctx context.Context, rawPath, outputPath string, sampleRate, channels int) error {
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", rawPath,
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(out))
	}
	return nil
}

func encodeWithLame(ctx context.Context, rawPath, outputPath string, sampleRate, channels int) error {
	khz := float64(sampleRate) / 1000.0
	mode := "m"
	if channels > 1 {
		mode = "j"
	}
	cmd := exec.CommandContext(ctx,
		"lame",
		"-r",
		"-s", strconv.FormatFloat(khz, 'f', -1, 64),
		"--bitwidth", "16",
		"-m", mode,
		rawPath,
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lame: %w: %s", err, lastLine(out))
	}
	return nil
}

func lastLine(out []byte) string {
	end := len(out)
	for end > 0 && (out[end-1] == '\n' || out[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && out[start-1] != '\n' {
		start--
	}
	return string(out[start:end])
}
