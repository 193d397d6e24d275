package recorder

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatWAV, FormatMP3:
		return f, nil
	case "":
		return FormatWAV, nil
	default:
		return "", fmt.Errorf("unsupported encoder %q", raw)
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

func ParseQuality(raw string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(raw))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	case "":
		return QualityMedium, nil
	default:
		return "", fmt.Errorf("unsupported quality %q", raw)
	}
}

func (q Quality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8000
	case QualityHigh:
		return 44100
	default:
		return 16000
	}
}

// Settings are read once when a session starts and stay fixed for it.
type Settings struct {
	Format             Format  `json:"format"`
	Quality            Quality `json:"quality"`
	SampleRate         int     `json:"sample_rate,omitempty"`
	PreferBluetoothMic bool    `json:"prefer_bluetooth_mic"`
	// AddLocation is recorded with the session but nothing looks up a
	// location.
	AddLocation bool `json:"add_location"`
}

// Rate is the capture sample rate: the explicit SampleRate when set,
// otherwise the rate implied by Quality.
func (s Settings) Rate() int {
	if s.SampleRate > 0 {
		return s.SampleRate
	}
	return s.Quality.SampleRate()
}

func (s Settings) format() Format {
	if s.Format == "" {
		return FormatWAV
	}
	return s.Format
}
