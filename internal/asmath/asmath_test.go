package asmath

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestWindowSigmaZeroWithFewerThanTwoSamples(t *testing.T) {
	t.Parallel()
	w := NewWindow(5)
	if got := w.Sigma(); got != 0 {
		t.Fatalf("Sigma() = %v with 0 samples, want 0", got)
	}
	w.Push(0, 100)
	if got := w.Sigma(); got != 0 {
		t.Fatalf("Sigma() = %v with 1 sample, want 0", got)
	}
}

func TestWindowEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()
	w := NewWindow(2) // capacity = 3
	for i := int64(0); i < 5; i++ {
		w.Push(i*1000, float64(i))
	}
	if len(w.samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(w.samples))
	}
	if w.samples[0].Mid != 2 {
		t.Fatalf("oldest retained sample = %v, want 2 (index 2 of 0..4)", w.samples[0].Mid)
	}
}

func TestWindowSigmaSkipsNonPositiveDt(t *testing.T) {
	t.Parallel()
	w := NewWindow(10)
	w.Push(1000, 100)
	w.Push(1000, 101) // dt = 0, skipped
	w.Push(2000, 102)
	got := w.Sigma()
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("Sigma() = %v, want a finite value", got)
	}
}

func TestQuoteZeroInventoryCenterIsMid(t *testing.T) {
	t.Parallel()
	w := NewWindow(60)
	base := int64(1000)
	mid := 100.0
	for i := 0; i < 60; i++ {
		w.Push(base+int64(i)*1000, mid)
	}
	p := Params{Gamma: 0.1, K: 1.5, TauSec: 30, StepMultiplier: 1}
	center, step := Quote(w, mid, 0, p, decimal.NewFromFloat(0.01))

	if !center.Equal(decimal.NewFromFloat(mid)) {
		t.Fatalf("center = %s, want %v (zero inventory => r == mid)", center, mid)
	}
	if step.Sign() <= 0 {
		t.Fatalf("step = %s, want positive", step)
	}
}

func TestQuoteStepFloorsAtTick(t *testing.T) {
	t.Parallel()
	w := NewWindow(10) // no volatility data => sigma 0 => spread from k,gamma only
	p := Params{Gamma: 100, K: 1.5, TauSec: 30, StepMultiplier: 1}
	tick := decimal.NewFromFloat(5.0)
	_, step := Quote(w, 100, 0, p, tick)
	if !step.Equal(tick) {
		t.Fatalf("step = %s, want floor at tick %s", step, tick)
	}
}

func TestExternalVolBlendsIntoSigma(t *testing.T) {
	t.Parallel()
	w := NewWindow(10)
	w.Push(0, 100)
	w.Push(1000, 100) // zero sample sigma
	hint := 2.0
	w.ExternalVol = &hint
	got := w.Sigma()
	if got != 1.0 {
		t.Fatalf("Sigma() = %v, want 1.0 (average of 0 sample sigma and 2.0 hint)", got)
	}
}
