// Package indicators implements the technical analysis primitives consumed
// by the market state and quant filter stages. Functions degrade to neutral
// values when the series is too short instead of returning errors, so
// callers can feed whatever history the venue gave them.
package indicators

import (
	"math"

	"github.com/stratoforge/quantra/internal/exchange"
)

// Default periods used by Compute.
const (
	FastEMAPeriod    = 20
	SlowEMAPeriod    = 50
	RSIPeriod        = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
	ATRPeriod        = 14
	BollingerPeriod  = 20
	BollingerStdDev  = 2.0
	VolumePeriod     = 20
)

// MinCandles is the history needed for every default-period indicator to
// have warmed up (twice the longest period).
const MinCandles = 2 * SlowEMAPeriod

// ==================== MOVING AVERAGES ====================

// SMA returns the simple moving average of the last period closes.
func SMA(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of the closes, seeded with an
// SMA over the first period values.
func EMA(candles []exchange.Candle, period int) float64 {
	series := emaSeries(closes(candles), period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// emaSeries computes the EMA at every index from period-1 onward. The
// returned slice is aligned so series[i] corresponds to values[i+period-1].
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
		out = append(out, ema)
	}
	return out
}

// ==================== RSI ====================

// RSI returns the Wilder-smoothed relative strength index. Neutral 50 when
// the series is too short, 100 when there are no losses at all.
func RSI(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ==================== MACD ====================

// MACDResult holds the MACD line, its signal EMA and the histogram.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MACD computes the convergence/divergence of the fast and slow EMAs with a
// signal EMA over the MACD line itself.
func MACD(candles []exchange.Candle, fast, slow, signal int) MACDResult {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return MACDResult{}
	}
	values := closes(candles)
	if len(values) < slow+signal {
		return MACDResult{}
	}

	fastSeries := emaSeries(values, fast)
	slowSeries := emaSeries(values, slow)

	// Align the fast series to the slow one; the slow EMA starts later.
	offset := slow - fast
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(macdLine, signal)
	if len(signalSeries) == 0 {
		return MACDResult{}
	}

	macd := macdLine[len(macdLine)-1]
	sig := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}
}

// ==================== ATR ====================

// ATR returns the Wilder-smoothed average true range.
func ATR(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles[i], candles[i-1])
	}
	atr /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(cur, prev exchange.Candle) float64 {
	return math.Max(cur.High-cur.Low,
		math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ==================== BOLLINGER BANDS ====================

// BollingerBands holds the three band levels.
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Bollinger computes bands at middle ± mult standard deviations.
func Bollinger(candles []exchange.Candle, period int, mult float64) BollingerBands {
	if period <= 0 || len(candles) < period {
		return BollingerBands{}
	}
	middle := SMA(candles, period)
	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return BollingerBands{
		Upper:  middle + stdDev*mult,
		Middle: middle,
		Lower:  middle - stdDev*mult,
	}
}

// ==================== VOLUME ====================

// AvgVolume returns the mean volume over the last period candles, shrinking
// the window when the series is shorter.
func AvgVolume(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	if len(candles) < period {
		period = len(candles)
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}

// VolumeRatio compares the latest candle's volume against the average of
// the preceding period. 1.0 means in line with recent activity.
func VolumeRatio(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 {
		return 1
	}
	avg := AvgVolume(candles[:len(candles)-1], period)
	if avg == 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / avg
}

// ==================== MOMENTUM AND TREND ====================

// Momentum returns the percent price change over the last period candles.
func Momentum(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	current := candles[len(candles)-1].Close
	past := candles[len(candles)-period-1].Close
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

// Trend labels the EMA relationship.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// DetectTrend compares fast and slow EMAs; spreads under half a percent are
// treated as sideways.
func DetectTrend(candles []exchange.Candle, fast, slow int) Trend {
	if len(candles) < slow || slow <= 0 {
		return TrendSideways
	}
	fastEMA := EMA(candles, fast)
	slowEMA := EMA(candles, slow)
	if slowEMA == 0 {
		return TrendSideways
	}
	spread := math.Abs(fastEMA-slowEMA) / slowEMA * 100
	if spread < 0.5 {
		return TrendSideways
	}
	if fastEMA > slowEMA {
		return TrendUp
	}
	return TrendDown
}

func closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
