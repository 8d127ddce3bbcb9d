package indicator

import (
	"math"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func builtins() []Definition {
	return []Definition{
		{ID: "sma", Defaults: Params{"period": 20}, MinWindow: periodWindow(0), Compute: sma},
		{ID: "ema", Defaults: Params{"period": 20}, MinWindow: periodWindow(0), Compute: ema},
		{ID: "wma", Defaults: Params{"period": 20}, MinWindow: periodWindow(0), Compute: wma},
		{ID: "rsi", Defaults: Params{"period": 14}, MinWindow: periodWindow(1), Compute: rsi},
		{ID: "atr", Defaults: Params{"period": 14}, MinWindow: periodWindow(1), Compute: atr},
		{ID: "stddev", Defaults: Params{"period": 20}, MinWindow: periodWindow(0), Compute: stddev},
		{ID: "vwap", Defaults: Params{"period": 20}, MinWindow: periodWindow(0), Compute: vwap},
		{ID: "bbands", Defaults: Params{"period": 20, "k": 2}, MinWindow: periodWindow(0), Compute: bbands},
		{ID: "macd", Defaults: Params{"fast": 12, "slow": 26, "signal": 9}, MinWindow: macdWindow, Compute: macd},
	}
}

func macdWindow(p Params) int {
	return max(period(p, "fast", 12), period(p, "slow", 26)) + period(p, "signal", 9) - 1
}

func period(p Params, name string, def int) int {
	return max(1, p.Int(name, def))
}

// periodWindow needs period+extra candles, e.g. one extra for indicators
// built on candle-to-candle changes.
func periodWindow(extra int) func(Params) int {
	return func(p Params) int { return period(p, "period", 20) + extra }
}

func closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// popStdDev is the population standard deviation.
func popStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// emaTail returns the EMA of xs from index n-1 onward, seeded with the SMA
// of the first n values.
func emaTail(xs []float64, n int) []float64 {
	if len(xs) < n {
		return nil
	}
	alpha := 2 / float64(n+1)
	out := make([]float64, 0, len(xs)-n+1)
	prev := mean(xs[:n])
	out = append(out, prev)
	for _, x := range xs[n:] {
		prev = alpha*x + (1-alpha)*prev
		out = append(out, prev)
	}
	return out
}

func sma(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 20)
	cs := closes(candles)
	return map[string]float64{"value": mean(cs[len(cs)-n:])}
}

func ema(candles []domain.Candle, p Params) map[string]float64 {
	tail := emaTail(closes(candles), period(p, "period", 20))
	return map[string]float64{"value": tail[len(tail)-1]}
}

func wma(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 20)
	cs := closes(candles)
	window := cs[len(cs)-n:]
	var num, den float64
	for i, c := range window {
		w := float64(i + 1)
		num += w * c
		den += w
	}
	return map[string]float64{"value": num / den}
}

// rsi uses Wilder smoothing over the whole series.
func rsi(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 14)
	cs := closes(candles)
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := cs[i] - cs[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(n), loss/float64(n)
	for i := n + 1; i < len(cs); i++ {
		d := cs[i] - cs[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}

	var v float64
	switch {
	case avgLoss == 0 && avgGain == 0:
		v = 50
	case avgLoss == 0:
		v = 100
	default:
		v = 100 - 100/(1+avgGain/avgLoss)
	}
	return map[string]float64{"value": v}
}

func atr(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 14)
	tr := func(i int) float64 {
		c, prev := candles[i], candles[i-1].Close
		return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr(i)
	}
	v := sum / float64(n)
	for i := n + 1; i < len(candles); i++ {
		v = (v*float64(n-1) + tr(i)) / float64(n)
	}
	return map[string]float64{"value": v}
}

func stddev(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 20)
	cs := closes(candles)
	return map[string]float64{"value": popStdDev(cs[len(cs)-n:])}
}

func bbands(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 20)
	k := p.Float("k", 2)
	cs := closes(candles)
	window := cs[len(cs)-n:]
	mid, sd := mean(window), popStdDev(window)
	return map[string]float64{
		"middle": mid,
		"upper":  mid + k*sd,
		"lower":  mid - k*sd,
	}
}

func vwap(candles []domain.Candle, p Params) map[string]float64 {
	n := period(p, "period", 20)
	window := candles[len(candles)-n:]
	var pv, vol float64
	typical := make([]float64, len(window))
	for i, c := range window {
		tp := (c.High + c.Low + c.Close) / 3
		typical[i] = tp
		pv += tp * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return map[string]float64{"value": mean(typical)}
	}
	return map[string]float64{"value": pv / vol}
}

func macd(candles []domain.Candle, p Params) map[string]float64 {
	fast, slow, sig := period(p, "fast", 12), period(p, "slow", 26), period(p, "signal", 9)
	cs := closes(candles)
	fastE, slowE := emaTail(cs, fast), emaTail(cs, slow)

	start := max(fast, slow) - 1
	line := make([]float64, 0, len(cs)-start)
	for i := start; i < len(cs); i++ {
		line = append(line, fastE[i-(fast-1)]-slowE[i-(slow-1)])
	}
	signal := emaTail(line, sig)
	m, s := line[len(line)-1], signal[len(signal)-1]
	return map[string]float64{"macd": m, "signal": s, "histogram": m - s}
}
