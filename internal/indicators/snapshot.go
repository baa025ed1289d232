package indicators

import "github.com/stratoforge/quantra/internal/exchange"

// Snapshot aggregates the default indicator set for one symbol and
// timeframe. It marshals cleanly into cycle state and prompt payloads.
type Snapshot struct {
	Price         float64        `json:"price"`
	EMAFast       float64        `json:"ema_fast"`
	EMASlow       float64        `json:"ema_slow"`
	RSI           float64        `json:"rsi"`
	MACD          float64        `json:"macd"`
	MACDSignal    float64        `json:"macd_signal"`
	MACDHistogram float64        `json:"macd_histogram"`
	ATR           float64        `json:"atr"`
	Bollinger     BollingerBands `json:"bollinger"`
	VolumeRatio   float64        `json:"volume_ratio"`
	MomentumPct   float64        `json:"momentum_pct"`
	Trend         Trend          `json:"trend"`
	Candles       int            `json:"candles"`
}

// Params overrides the default indicator periods. Zero fields keep the
// package defaults, so an empty Params reproduces Compute.
type Params struct {
	EMAFast         int     `json:"ema_fast"`
	EMASlow         int     `json:"ema_slow"`
	RSIPeriod       int     `json:"rsi_period"`
	MACDFast        int     `json:"macd_fast"`
	MACDSlow        int     `json:"macd_slow"`
	MACDSignal      int     `json:"macd_signal"`
	ATRPeriod       int     `json:"atr_period"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerStdDev float64 `json:"bollinger_std_dev"`
}

func (p Params) withDefaults() Params {
	if p.EMAFast <= 0 {
		p.EMAFast = FastEMAPeriod
	}
	if p.EMASlow <= 0 {
		p.EMASlow = SlowEMAPeriod
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = RSIPeriod
	}
	if p.MACDFast <= 0 {
		p.MACDFast = MACDFastPeriod
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = MACDSlowPeriod
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = MACDSignalPeriod
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = ATRPeriod
	}
	if p.BollingerPeriod <= 0 {
		p.BollingerPeriod = BollingerPeriod
	}
	if p.BollingerStdDev <= 0 {
		p.BollingerStdDev = BollingerStdDev
	}
	return p
}

// Compute builds a Snapshot with the default periods. Short series produce
// partially-neutral snapshots rather than an error; Candles carries the
// history length so callers can judge warm-up.
func Compute(candles []exchange.Candle) Snapshot {
	return ComputeWith(candles, Params{})
}

// ComputeWith builds a Snapshot with per-bot periods.
func ComputeWith(candles []exchange.Candle, p Params) Snapshot {
	p = p.withDefaults()
	snap := Snapshot{
		RSI:         50,
		VolumeRatio: 1,
		Trend:       TrendSideways,
		Candles:     len(candles),
	}
	if len(candles) == 0 {
		return snap
	}
	snap.Price = candles[len(candles)-1].Close
	snap.EMAFast = EMA(candles, p.EMAFast)
	snap.EMASlow = EMA(candles, p.EMASlow)
	snap.RSI = RSI(candles, p.RSIPeriod)

	macd := MACD(candles, p.MACDFast, p.MACDSlow, p.MACDSignal)
	snap.MACD = macd.MACD
	snap.MACDSignal = macd.Signal
	snap.MACDHistogram = macd.Histogram

	snap.ATR = ATR(candles, p.ATRPeriod)
	snap.Bollinger = Bollinger(candles, p.BollingerPeriod, p.BollingerStdDev)
	snap.VolumeRatio = VolumeRatio(candles, VolumePeriod)
	snap.MomentumPct = Momentum(candles, VolumePeriod)
	snap.Trend = DetectTrend(candles, p.EMAFast, p.EMASlow)
	return snap
}
