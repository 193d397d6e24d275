package waveform

import (
	"encoding/binary"
	"math"
)

// Normalize maps samples onto [0,1] using their own minimum and maximum.
// A window with no dynamic range maps to all zeros.
func Normalize(samples []float64) []float64 {
	out := make([]float64, len(samples))
	if len(samples) == 0 {
		return out
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		if !finite(s) {
			continue
		}
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}

	span := hi - lo
	if !finite(span) || span <= 0 {
		return out
	}

	for i, s := range samples {
		if !finite(s) {
			continue
		}
		out[i] = (s - lo) / span
	}
	return out
}

// Smooth applies an exponential moving average. factor is the weight of the
// newest sample; values outside (0,1) leave the samples unchanged.
func Smooth(samples []float64, factor float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	if factor <= 0 || factor >= 1 || len(out) == 0 {
		return out
	}

	prev := out[0]
	for i := 1; i < len(out); i++ {
		prev = factor*out[i] + (1-factor)*prev
		out[i] = prev
	}
	return out
}

// Pipeline turns a raw window snapshot into a display sequence.
type Pipeline struct {
	Smoothing float64
}

func (p Pipeline) Process(snapshot []float64) []float64 {
	return Normalize(Smooth(snapshot, p.Smoothing))
}

// RMS returns the root-mean-square amplitude of a PCM16 block, scaled so
// that a full-scale square wave reads 1.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Min(1, math.Sqrt(sum/float64(len(pcm))))
}

// RMSBytes is RMS over little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func RMSBytes(le []byte) float64 {
	pcm := make([]int16, len(le)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(le[2*i:]))
	}
	return RMS(pcm)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
