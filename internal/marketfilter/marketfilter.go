// Package marketfilter implements the ATR/ADX market-regime gate: a
// warmup -> block -> pass state machine that flags low- or high-volatility
// and strongly-trending regimes as unsuitable for grid market-making, with
// hysteresis on recovery and an optional block-timeout stop trigger.
package marketfilter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BarIntervalMs is the OHLC bucket width the filter aggregates mid-price
// samples into before computing ATR/ADX.
const BarIntervalMs int64 = 60_000

// OhlcBar is one completed or in-progress price bar.
type OhlcBar struct {
	TsMs  int64
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// Config is the per-symbol market-filter configuration.
type Config struct {
	Enabled             bool            `mapstructure:"enabled"`
	ATRPeriod           int             `mapstructure:"atr_period"`
	ADXPeriod           int             `mapstructure:"adx_period"`
	ATRPctMin           decimal.Decimal `mapstructure:"atr_pct_min"`
	ATRPctMax           decimal.Decimal `mapstructure:"atr_pct_max"`
	ADXMax              decimal.Decimal `mapstructure:"adx_max"`
	RecoverPassCount    int             `mapstructure:"recover_pass_count"`
	BlockTimeoutMinutes decimal.Decimal `mapstructure:"block_timeout_minutes"`
}

// Runtime is the filter's state carried from tick to tick.
type Runtime struct {
	State          string
	Reason         string
	PassStreak     int
	BlockStartedMs int64
	BlockSeconds   int64
	ATRPct         decimal.Decimal
	ADX            decimal.Decimal
	haveIndicators bool
}

// Decision is one evaluation's outcome.
type Decision struct {
	State        string
	Reason       string
	ATRPct       decimal.Decimal
	ADX          decimal.Decimal
	HaveIndicators bool
	PassStreak   int
	BlockSeconds int64
	CloseOnly    bool
	TimeoutStop  bool
}

// UpdateOHLCBars folds price into bars, starting a new bucket whenever ts_ms
// crosses into a new BarIntervalMs bucket, and trims to maxBars (0 disables
// trimming).
func UpdateOHLCBars(bars []OhlcBar, tsMs int64, price decimal.Decimal, maxBars int) []OhlcBar {
	bucket := tsMs - (tsMs % BarIntervalMs)
	if len(bars) == 0 || bars[len(bars)-1].TsMs != bucket {
		bars = append(bars, OhlcBar{TsMs: bucket, Open: price, High: price, Low: price, Close: price})
	} else {
		bar := &bars[len(bars)-1]
		if price.GreaterThan(bar.High) {
			bar.High = price
		}
		if price.LessThan(bar.Low) {
			bar.Low = price
		}
		bar.Close = price
	}
	if maxBars > 0 && len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	return bars
}

// CompletedBars drops the bar still accumulating at nowMs, if any.
func CompletedBars(bars []OhlcBar, nowMs int64) []OhlcBar {
	if len(bars) == 0 {
		return nil
	}
	currentBucket := nowMs - (nowMs % BarIntervalMs)
	if bars[len(bars)-1].TsMs == currentBucket {
		return bars[:len(bars)-1]
	}
	return bars
}

// RequiredBarCount is the minimum completed-bar count both indicators need:
// ATR needs period+1 bars, ADX needs 2*period.
func RequiredBarCount(atrPeriod, adxPeriod int) int {
	need := atrPeriod + 1
	if adxPeriod*2 > need {
		need = adxPeriod * 2
	}
	return need
}

func trueRange(curr, prev OhlcBar) decimal.Decimal {
	tr := curr.High.Sub(curr.Low)
	if d := curr.High.Sub(prev.Close).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	if d := curr.Low.Sub(prev.Close).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	return tr
}

// CalcATRPct returns Wilder's ATR, expressed as a fraction of the last close.
func CalcATRPct(bars []OhlcBar, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(bars) < period+1 {
		return decimal.Zero, false
	}
	trs := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i], bars[i-1]))
	}
	if len(trs) < period {
		return decimal.Zero, false
	}

	periodDec := decimal.NewFromInt(int64(period))
	atr := sumDecimal(trs[:period]).Div(periodDec)
	for _, tr := range trs[period:] {
		atr = atr.Mul(periodDec.Sub(decimal.NewFromInt(1))).Add(tr).Div(periodDec)
	}

	lastClose := bars[len(bars)-1].Close
	if lastClose.Sign() <= 0 {
		return decimal.Zero, false
	}
	return atr.Div(lastClose), true
}

// CalcADX returns Wilder's ADX over period, smoothed the same way as ATR.
func CalcADX(bars []OhlcBar, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(bars) < period*2 {
		return decimal.Zero, false
	}

	trs := make([]decimal.Decimal, 0, len(bars)-1)
	plusDM := make([]decimal.Decimal, 0, len(bars)-1)
	minusDM := make([]decimal.Decimal, 0, len(bars)-1)

	for i := 1; i < len(bars); i++ {
		prev, curr := bars[i-1], bars[i]
		upMove := curr.High.Sub(prev.High)
		downMove := prev.Low.Sub(curr.Low)

		pdm := decimal.Zero
		if upMove.Sign() > 0 && upMove.GreaterThan(downMove) {
			pdm = upMove
		}
		mdm := decimal.Zero
		if downMove.Sign() > 0 && downMove.GreaterThan(upMove) {
			mdm = downMove
		}

		trs = append(trs, trueRange(curr, prev))
		plusDM = append(plusDM, pdm)
		minusDM = append(minusDM, mdm)
	}

	if len(trs) < period*2-1 {
		return decimal.Zero, false
	}

	periodDec := decimal.NewFromInt(int64(period))
	trSum := sumDecimal(trs[:period])
	pdmSum := sumDecimal(plusDM[:period])
	mdmSum := sumDecimal(minusDM[:period])

	dx := func(trSum, pdmSum, mdmSum decimal.Decimal) decimal.Decimal {
		if trSum.Sign() <= 0 {
			return decimal.Zero
		}
		plusDI := decimal.NewFromInt(100).Mul(pdmSum).Div(trSum)
		minusDI := decimal.NewFromInt(100).Mul(mdmSum).Div(trSum)
		denom := plusDI.Add(minusDI)
		if denom.Sign() <= 0 {
			return decimal.Zero
		}
		return decimal.NewFromInt(100).Mul(plusDI.Sub(minusDI).Abs()).Div(denom)
	}

	dxValues := []decimal.Decimal{dx(trSum, pdmSum, mdmSum)}
	for i := period; i < len(trs); i++ {
		trSum = trSum.Sub(trSum.Div(periodDec)).Add(trs[i])
		pdmSum = pdmSum.Sub(pdmSum.Div(periodDec)).Add(plusDM[i])
		mdmSum = mdmSum.Sub(mdmSum.Div(periodDec)).Add(minusDM[i])
		dxValues = append(dxValues, dx(trSum, pdmSum, mdmSum))
	}

	if len(dxValues) < period {
		return decimal.Zero, false
	}

	adx := sumDecimal(dxValues[:period]).Div(periodDec)
	for _, v := range dxValues[period:] {
		adx = adx.Mul(periodDec.Sub(decimal.NewFromInt(1))).Add(v).Div(periodDec)
	}
	return adx, true
}

func sumDecimal(xs []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, x := range xs {
		total = total.Add(x)
	}
	return total
}

// Evaluate runs one tick of the filter's state machine against bars, which
// must already exclude the still-accumulating bar (see CompletedBars).
func Evaluate(cfg Config, rt *Runtime, bars []OhlcBar, nowMs int64) Decision {
	if !cfg.Enabled {
		*rt = Runtime{State: "off", Reason: "disabled"}
		return Decision{State: rt.State, Reason: rt.Reason}
	}

	need := RequiredBarCount(cfg.ATRPeriod, cfg.ADXPeriod)
	if len(bars) < need {
		rt.State = "warmup"
		rt.Reason = fmt.Sprintf("warmup:%d/%d", len(bars), need)
		rt.PassStreak, rt.BlockStartedMs, rt.BlockSeconds = 0, 0, 0
		rt.haveIndicators = false
		return Decision{State: rt.State, Reason: rt.Reason, CloseOnly: true}
	}

	atrPct, atrOK := CalcATRPct(bars, cfg.ATRPeriod)
	adx, adxOK := CalcADX(bars, cfg.ADXPeriod)
	rt.ATRPct, rt.ADX, rt.haveIndicators = atrPct, adx, atrOK && adxOK

	if !rt.haveIndicators {
		rt.State = "warmup"
		rt.Reason = "indicator_not_ready"
		rt.PassStreak, rt.BlockStartedMs, rt.BlockSeconds = 0, 0, 0
		return Decision{State: rt.State, Reason: rt.Reason, CloseOnly: true}
	}

	var reason string
	blocked := false
	if cfg.ATRPctMin.Sign() > 0 || cfg.ATRPctMax.Sign() > 0 {
		if cfg.ATRPctMin.Sign() > 0 && atrPct.LessThan(cfg.ATRPctMin) {
			reason = appendReason(reason, "atr_low")
			blocked = true
		}
		if cfg.ATRPctMax.Sign() > 0 && atrPct.GreaterThan(cfg.ATRPctMax) {
			reason = appendReason(reason, "atr_high")
			blocked = true
		}
	}
	if cfg.ADXMax.Sign() > 0 && adx.GreaterThan(cfg.ADXMax) {
		reason = appendReason(reason, "adx_high")
		blocked = true
	}

	if blocked {
		rt.State = "block"
		rt.Reason = reason
		rt.PassStreak = 0
		if rt.BlockStartedMs <= 0 {
			rt.BlockStartedMs = nowMs
		}
		rt.BlockSeconds = (nowMs - rt.BlockStartedMs) / 1000
		if rt.BlockSeconds < 0 {
			rt.BlockSeconds = 0
		}
		timeoutStop := false
		if cfg.BlockTimeoutMinutes.Sign() > 0 {
			timeoutS := cfg.BlockTimeoutMinutes.Mul(decimal.NewFromInt(60)).IntPart()
			timeoutStop = rt.BlockSeconds >= timeoutS
		}
		return Decision{
			State: rt.State, Reason: rt.Reason, ATRPct: atrPct, ADX: adx, HaveIndicators: true,
			PassStreak: rt.PassStreak, BlockSeconds: rt.BlockSeconds, CloseOnly: true, TimeoutStop: timeoutStop,
		}
	}

	prevState := rt.State
	recoverNeeded := cfg.RecoverPassCount
	if recoverNeeded < 1 {
		recoverNeeded = 1
	}
	if prevState == "block" || prevState == "warmup" {
		rt.PassStreak++
		if rt.PassStreak < recoverNeeded {
			rt.State = "warmup"
			rt.Reason = fmt.Sprintf("recovering:%d/%d", rt.PassStreak, recoverNeeded)
			rt.BlockStartedMs, rt.BlockSeconds = 0, 0
			return Decision{
				State: rt.State, Reason: rt.Reason, ATRPct: atrPct, ADX: adx, HaveIndicators: true,
				PassStreak: rt.PassStreak, BlockSeconds: rt.BlockSeconds, CloseOnly: true,
			}
		}
	}

	rt.State = "pass"
	rt.Reason = "ok"
	rt.PassStreak, rt.BlockStartedMs, rt.BlockSeconds = 0, 0, 0
	return Decision{State: rt.State, Reason: rt.Reason, ATRPct: atrPct, ADX: adx, HaveIndicators: true}
}

func appendReason(reason, part string) string {
	if reason == "" {
		return part
	}
	return reason + "," + part
}
