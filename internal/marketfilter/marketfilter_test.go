package marketfilter

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func trendBars(count int) []OhlcBar {
	bars := make([]OhlcBar, 0, count)
	price := dec("100")
	for i := 0; i < count; i++ {
		open := price
		closePrice := price.Add(dec("0.8"))
		high := closePrice.Add(dec("0.3"))
		low := open.Sub(dec("0.2"))
		bars = append(bars, OhlcBar{TsMs: int64(i) * BarIntervalMs, Open: open, High: high, Low: low, Close: closePrice})
		price = closePrice
	}
	return bars
}

func flatBars(count int) []OhlcBar {
	bars := make([]OhlcBar, 0, count)
	for i := 0; i < count; i++ {
		bars = append(bars, OhlcBar{TsMs: int64(i) * BarIntervalMs, Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100")})
	}
	return bars
}

func TestUpdateOHLCBarsAndCompletedBars(t *testing.T) {
	var bars []OhlcBar
	bars = UpdateOHLCBars(bars, 1_000, dec("100"), 0)
	bars = UpdateOHLCBars(bars, 20_000, dec("102"), 0)
	bars = UpdateOHLCBars(bars, 35_000, dec("99"), 0)
	if len(bars) != 1 {
		t.Fatalf("len(bars) = %d, want 1", len(bars))
	}
	if !bars[0].High.Equal(dec("102")) || !bars[0].Low.Equal(dec("99")) || !bars[0].Close.Equal(dec("99")) {
		t.Fatalf("bar = %+v, want high=102 low=99 close=99", bars[0])
	}

	bars = UpdateOHLCBars(bars, BarIntervalMs+5_000, dec("101"), 0)
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	done := CompletedBars(bars, BarIntervalMs+10_000)
	if len(done) != 1 || !done[0].Close.Equal(dec("99")) {
		t.Fatalf("completed bars = %+v, want one bar closing at 99", done)
	}
}

func TestCalcATRPctPositive(t *testing.T) {
	atrPct, ok := CalcATRPct(trendBars(40), 14)
	if !ok {
		t.Fatal("expected ATR to be ready")
	}
	if atrPct.Sign() <= 0 || atrPct.GreaterThan(dec("0.2")) {
		t.Fatalf("atrPct = %s, want in (0, 0.2)", atrPct)
	}
}

func TestEvaluateDisabledReturnsOff(t *testing.T) {
	cfg := Config{Enabled: false}
	var rt Runtime
	d := Evaluate(cfg, &rt, trendBars(50), 5_000_000)
	if d.State != "off" || d.CloseOnly {
		t.Fatalf("decision = %+v, want off/close_only=false", d)
	}
}

func TestEvaluateWarmupWhenBarsNotEnough(t *testing.T) {
	cfg := Config{Enabled: true, ATRPeriod: 14, ADXPeriod: 14}
	var rt Runtime
	d := Evaluate(cfg, &rt, trendBars(10), 5_000_000)
	if d.State != "warmup" || !d.CloseOnly {
		t.Fatalf("decision = %+v, want warmup/close_only=true", d)
	}
}

func TestEvaluateBlocksWhenATRTooLow(t *testing.T) {
	cfg := Config{
		Enabled: true, ATRPeriod: 14, ADXPeriod: 14,
		ATRPctMin: dec("0.002"), ATRPctMax: dec("0.05"), ADXMax: dec("80"),
	}
	var rt Runtime
	d := Evaluate(cfg, &rt, flatBars(60), 5_000_000)
	if d.State != "block" || d.Reason != "atr_low" || !d.CloseOnly {
		t.Fatalf("decision = %+v, want block/atr_low/close_only=true", d)
	}
}

func TestEvaluateRecoverRequiresPassStreak(t *testing.T) {
	var rt Runtime
	blockCfg := Config{
		Enabled: true, ATRPeriod: 14, ADXPeriod: 14,
		ATRPctMin: dec("0.002"), ATRPctMax: dec("0.05"), ADXMax: dec("80"), RecoverPassCount: 2,
	}
	Evaluate(blockCfg, &rt, flatBars(60), 6_000_000)
	if rt.State != "block" {
		t.Fatalf("rt.State = %s, want block", rt.State)
	}

	passCfg := Config{
		Enabled: true, ATRPeriod: 14, ADXPeriod: 14,
		ATRPctMin: dec("0.001"), ATRPctMax: dec("0.05"), ADXMax: dec("100"), RecoverPassCount: 2,
	}
	d1 := Evaluate(passCfg, &rt, trendBars(80), 6_060_000)
	if d1.State != "warmup" || !d1.CloseOnly || d1.PassStreak != 1 {
		t.Fatalf("d1 = %+v, want warmup/close_only=true/pass_streak=1", d1)
	}

	d2 := Evaluate(passCfg, &rt, trendBars(80), 6_120_000)
	if d2.State != "pass" || d2.CloseOnly || d2.PassStreak != 0 {
		t.Fatalf("d2 = %+v, want pass/close_only=false/pass_streak=0", d2)
	}
}

func TestEvaluateTimeoutStopTrigger(t *testing.T) {
	cfg := Config{
		Enabled: true, ATRPeriod: 14, ADXPeriod: 14,
		ATRPctMin: dec("0.002"), ATRPctMax: dec("0.05"), ADXMax: dec("80"),
		BlockTimeoutMinutes: dec("1"),
	}
	rt := Runtime{State: "block", BlockStartedMs: 1}
	d := Evaluate(cfg, &rt, flatBars(80), 120_000)
	if d.State != "block" || !d.CloseOnly || d.BlockSeconds < 60 || !d.TimeoutStop {
		t.Fatalf("decision = %+v, want block/close_only=true/block_seconds>=60/timeout_stop=true", d)
	}
}
