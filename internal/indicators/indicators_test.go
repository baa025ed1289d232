package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stratoforge/quantra/internal/exchange"
)

// candlesFromCloses builds a series with a fixed 2-unit range around each
// close and constant volume.
func candlesFromCloses(closes ...float64) []exchange.Candle {
	out := make([]exchange.Candle, len(closes))
	base := time.Unix(1700000000, 0).UTC()
	for i, c := range closes {
		out[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
		}
	}
	return out
}

func ramp(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5)
	if got := SMA(candles, 3); !almost(got, 4) {
		t.Errorf("SMA = %v, want 4", got)
	}
	if got := SMA(candles, 10); got != 0 {
		t.Errorf("short series SMA = %v, want 0", got)
	}
}

func TestEMAConstantSeries(t *testing.T) {
	candles := candlesFromCloses(ramp(42, 0, 30)...)
	if got := EMA(candles, 10); !almost(got, 42) {
		t.Errorf("EMA of constant series = %v, want 42", got)
	}
}

func TestEMATracksRecentPrices(t *testing.T) {
	// A jump at the end should pull the EMA above the SMA of the full
	// window but keep it below the final price.
	closes := append(ramp(100, 0, 29), 110)
	candles := candlesFromCloses(closes...)
	ema := EMA(candles, 10)
	if ema <= 100 || ema >= 110 {
		t.Errorf("EMA = %v, want between 100 and 110", ema)
	}
	if sma := SMA(candles, 10); ema <= sma {
		t.Errorf("EMA %v should exceed SMA %v after an up-jump", ema, sma)
	}
}

func TestRSIBounds(t *testing.T) {
	up := candlesFromCloses(ramp(100, 1, 40)...)
	if got := RSI(up, 14); got != 100 {
		t.Errorf("all-gain RSI = %v, want 100", got)
	}
	down := candlesFromCloses(ramp(100, -1, 40)...)
	if got := RSI(down, 14); got != 0 {
		t.Errorf("all-loss RSI = %v, want 0", got)
	}
	short := candlesFromCloses(1, 2, 3)
	if got := RSI(short, 14); got != 50 {
		t.Errorf("short series RSI = %v, want neutral 50", got)
	}
}

func TestRSIBalancedSeriesIsNeutral(t *testing.T) {
	closes := make([]float64, 0, 41)
	price := 100.0
	closes = append(closes, price)
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			price += 1
		} else {
			price -= 1
		}
		closes = append(closes, price)
	}
	got := RSI(candlesFromCloses(closes...), 14)
	if got < 40 || got > 60 {
		t.Errorf("balanced RSI = %v, want near 50", got)
	}
}

func TestMACDFlatSeriesIsZero(t *testing.T) {
	candles := candlesFromCloses(ramp(100, 0, 50)...)
	got := MACD(candles, 12, 26, 9)
	if !almost(got.MACD, 0) || !almost(got.Signal, 0) || !almost(got.Histogram, 0) {
		t.Errorf("flat MACD = %+v, want zeros", got)
	}
}

func TestMACDUptrendPositive(t *testing.T) {
	candles := candlesFromCloses(ramp(100, 1, 60)...)
	got := MACD(candles, 12, 26, 9)
	if got.MACD <= 0 {
		t.Errorf("uptrend MACD = %v, want > 0", got.MACD)
	}
	if got.Signal <= 0 {
		t.Errorf("uptrend signal = %v, want > 0", got.Signal)
	}
}

func TestMACDShortSeries(t *testing.T) {
	candles := candlesFromCloses(ramp(100, 1, 20)...)
	if got := MACD(candles, 12, 26, 9); got != (MACDResult{}) {
		t.Errorf("short MACD = %+v, want zero value", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	// Every candle spans exactly 2 with the close centered, so the true
	// range is 2 throughout and the smoothed ATR must converge there.
	candles := candlesFromCloses(ramp(100, 0, 30)...)
	if got := ATR(candles, 14); !almost(got, 2) {
		t.Errorf("ATR = %v, want 2", got)
	}
	if got := ATR(candles[:3], 14); got != 0 {
		t.Errorf("short ATR = %v, want 0", got)
	}
}

func TestBollingerFlatSeriesCollapses(t *testing.T) {
	candles := candlesFromCloses(ramp(50, 0, 25)...)
	got := Bollinger(candles, 20, 2)
	if !almost(got.Upper, 50) || !almost(got.Middle, 50) || !almost(got.Lower, 50) {
		t.Errorf("flat Bollinger = %+v, want all 50", got)
	}
}

func TestBollingerOrdering(t *testing.T) {
	closes := []float64{50, 52, 48, 53, 47, 51, 49, 54, 46, 50, 52, 48, 53, 47, 51, 49, 54, 46, 50, 52}
	got := Bollinger(candlesFromCloses(closes...), 20, 2)
	if !(got.Lower < got.Middle && got.Middle < got.Upper) {
		t.Errorf("band ordering violated: %+v", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	candles := candlesFromCloses(ramp(100, 0, 21)...)
	candles[len(candles)-1].Volume = 30 // 3x the steady 10
	if got := VolumeRatio(candles, 20); !almost(got, 3) {
		t.Errorf("VolumeRatio = %v, want 3", got)
	}
	if got := VolumeRatio(candles[:1], 20); got != 1 {
		t.Errorf("single candle ratio = %v, want 1", got)
	}
}

func TestMomentum(t *testing.T) {
	candles := candlesFromCloses(100, 101, 105, 108, 110)
	if got := Momentum(candles, 4); !almost(got, 10) {
		t.Errorf("Momentum = %v, want 10", got)
	}
}

func TestDetectTrend(t *testing.T) {
	up := candlesFromCloses(ramp(100, 2, 60)...)
	if got := DetectTrend(up, 20, 50); got != TrendUp {
		t.Errorf("uptrend = %s", got)
	}
	down := candlesFromCloses(ramp(300, -2, 60)...)
	if got := DetectTrend(down, 20, 50); got != TrendDown {
		t.Errorf("downtrend = %s", got)
	}
	flat := candlesFromCloses(ramp(100, 0, 60)...)
	if got := DetectTrend(flat, 20, 50); got != TrendSideways {
		t.Errorf("flat trend = %s", got)
	}
}

func TestComputeSnapshot(t *testing.T) {
	candles := candlesFromCloses(ramp(100, 1, MinCandles+10)...)
	snap := Compute(candles)

	if snap.Price != candles[len(candles)-1].Close {
		t.Errorf("Price = %v", snap.Price)
	}
	if snap.Trend != TrendUp {
		t.Errorf("Trend = %s, want up", snap.Trend)
	}
	if snap.RSI != 100 {
		t.Errorf("RSI = %v, want 100 for a pure uptrend", snap.RSI)
	}
	if snap.MACD <= 0 {
		t.Errorf("MACD = %v, want positive", snap.MACD)
	}
	if snap.Candles != MinCandles+10 {
		t.Errorf("Candles = %d", snap.Candles)
	}
}

func TestComputeSnapshotEmptySeries(t *testing.T) {
	snap := Compute(nil)
	if snap.RSI != 50 || snap.VolumeRatio != 1 || snap.Trend != TrendSideways {
		t.Errorf("empty snapshot not neutral: %+v", snap)
	}
	if snap.Candles != 0 {
		t.Errorf("Candles = %d, want 0", snap.Candles)
	}
}
