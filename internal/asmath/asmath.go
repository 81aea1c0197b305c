// Package asmath implements the Avellaneda-Stoikov quoting math and the
// mid-price window its volatility estimate is drawn from.
package asmath

import (
	"math"

	"github.com/shopspring/decimal"
)

// Sample is one observed mid-price point.
type Sample struct {
	TsMs int64
	Mid  float64
}

// Window is a bounded sequence of mid-price samples used to estimate sigma.
// ExternalVol, when set, blends in a volatility hint from an external
// indicator source (see internal/asmath/tvindicator.go) rather than relying
// on the sample window alone.
type Window struct {
	Capacity    int
	samples     []Sample
	ExternalVol *float64
}

// NewWindow creates a window bounded to vol_points+1 samples, per spec §4.4.
func NewWindow(volPoints int) *Window {
	if volPoints < 1 {
		volPoints = 1
	}
	return &Window{Capacity: volPoints + 1}
}

// Push appends a new mid-price sample, evicting the oldest if at capacity.
func (w *Window) Push(tsMs int64, mid float64) {
	w.samples = append(w.samples, Sample{TsMs: tsMs, Mid: mid})
	if len(w.samples) > w.Capacity {
		w.samples = w.samples[len(w.samples)-w.Capacity:]
	}
}

// Sigma computes the sample standard deviation of dt-normalized mid
// increments: x = (p1-p0)/sqrt(dt), dt in seconds, for each consecutive pair
// with dt > 0.
func (w *Window) Sigma() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	xs := make([]float64, 0, len(w.samples)-1)
	for i := 1; i < len(w.samples); i++ {
		p0, p1 := w.samples[i-1], w.samples[i]
		dt := float64(p1.TsMs-p0.TsMs) / 1000.0
		if dt <= 0 {
			continue
		}
		xs = append(xs, (p1.Mid-p0.Mid)/math.Sqrt(dt))
	}
	sigma := stddev(xs)
	if w.ExternalVol != nil {
		sigma = (sigma + *w.ExternalVol) / 2
	}
	return sigma
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	// sample standard deviation: divide by n-1.
	return math.Sqrt(sq / float64(len(xs)-1))
}

// Params are the per-symbol Avellaneda-Stoikov tuning knobs from spec §3 (S).
type Params struct {
	Gamma          float64
	K              float64
	TauSec         float64
	StepMultiplier float64
}

// Quote computes the AS center (reservation price) and half-step, given the
// current mid S, inventory q in base units, and the market's tick size.
// Quantization to price_decimals is the caller's responsibility via
// internal/quant — this function returns full-precision decimals.
func Quote(window *Window, mid, q float64, p Params, tick decimal.Decimal) (center, step decimal.Decimal) {
	sigma := window.Sigma()
	sigma2 := sigma * sigma

	spread := p.Gamma*sigma2*p.TauSec + (2/p.Gamma)*math.Log(1+p.Gamma/p.K)
	halfStep := spread / 2 * p.StepMultiplier

	tickF, _ := tick.Float64()
	if halfStep < tickF {
		halfStep = tickF
	}

	r := mid - q*p.Gamma*sigma2*p.TauSec

	return decimal.NewFromFloat(r), decimal.NewFromFloat(halfStep)
}
