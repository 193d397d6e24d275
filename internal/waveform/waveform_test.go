package waveform

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestWindowLengthIsInvariant(t *testing.T) {
	const capacity = 5
	for _, received := range []int{0, 3, 5, 12} {
		w := NewWindow(capacity)
		for i := 0; i < received; i++ {
			w.Push(float64(i + 1))
		}
		if got := len(w.Snapshot()); got != capacity {
			t.Fatalf("received %d: expected snapshot length %d, got %d", received, capacity, got)
		}
	}
}

func TestWindowPadsWithSentinel(t *testing.T) {
	w := NewWindow(5)
	w.Push(0.4)
	w.Push(0.9)

	want := []float64{0.4, 0.9, Sentinel, Sentinel, Sentinel}
	if diff := cmp.Diff(want, w.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if w.Len() != 2 {
		t.Fatalf("expected Len() == 2, got %d", w.Len())
	}
}

func TestWindowDropsOldestAndNormalizes(t *testing.T) {
	w := NewWindow(5)
	for _, s := range []float64{1, 2, 3, 4, 5, 6, 7} {
		w.Push(s)
	}

	snap := w.Snapshot()
	if diff := cmp.Diff([]float64{3, 4, 5, 6, 7}, snap); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}

	want := []float64{0, 0.25, 0.5, 0.75, 1.0}
	if diff := cmp.Diff(want, Normalize(snap), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("normalized mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowSnapshotIsIndependent(t *testing.T) {
	w := NewWindow(3)
	w.Push(1)
	snap := w.Snapshot()
	snap[0] = 99

	if got := w.Snapshot()[0]; got != 1 {
		t.Fatalf("expected window to be unaffected by snapshot mutation, got %v", got)
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(3)
	w.Push(1)
	w.Push(2)
	w.Reset()

	if diff := cmp.Diff([]float64{0, 0, 0}, w.Snapshot()); diff != "" {
		t.Fatalf("expected empty window after reset (-want +got):\n%s", diff)
	}
}

func TestWindowConcurrentProducers(t *testing.T) {
	w := NewWindow(DefaultCapacity)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				w.Push(float64(i))
				_ = w.Snapshot()
			}
		}()
	}
	wg.Wait()

	if w.Len() != DefaultCapacity {
		t.Fatalf("expected full window, got %d", w.Len())
	}
}

func TestNormalizeConstantWindowIsZero(t *testing.T) {
	for _, in := range [][]float64{
		{0.5, 0.5, 0.5, 0.5},
		{0, 0, 0},
		{},
	} {
		got := Normalize(in)
		if len(got) != len(in) {
			t.Fatalf("expected length %d, got %d", len(in), len(got))
		}
		for i, v := range got {
			if v != 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("expected all zeros, got %v at %d", v, i)
			}
		}
	}
}

func TestNormalizeIgnoresNonFinite(t *testing.T) {
	got := Normalize([]float64{0, math.NaN(), 2, math.Inf(1)})
	want := []float64{0, 0, 1, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []float64{2, 4}
	_ = Normalize(in)
	if in[0] != 2 || in[1] != 4 {
		t.Fatalf("expected input untouched, got %v", in)
	}
}

func TestSmooth(t *testing.T) {
	got := Smooth([]float64{0, 1, 1}, 0.5)
	want := []float64{0, 0.5, 0.75}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("smooth mismatch (-want +got):\n%s", diff)
	}

	in := []float64{1, 5, 2}
	if diff := cmp.Diff(in, Smooth(in, 0)); diff != "" {
		t.Fatalf("expected factor 0 to disable smoothing (-want +got):\n%s", diff)
	}
}

func TestPipelineProcess(t *testing.T) {
	p := Pipeline{Smoothing: 0.5}
	got := p.Process([]float64{0, 1, 1})
	want := []float64{0, 0.5 / 0.75, 1}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("pipeline mismatch (-want +got):\n%s", diff)
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("expected 0 for empty block")
	}
	if got := RMS([]int16{math.MaxInt16, -math.MaxInt16}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected full-scale RMS 1, got %v", got)
	}
	if got := RMS([]int16{0, 0, 0}); got != 0 {
		t.Fatalf("expected silence RMS 0, got %v", got)
	}
}

func TestRMSBytesMatchesRMS(t *testing.T) {
	pcm := []int16{1000, -2000, 3000}
	raw := make([]byte, len(pcm)*2+1)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}

	if got, want := RMSBytes(raw), RMS(pcm); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
