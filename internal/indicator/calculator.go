package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// EMALast 返回指数均线的最新值，数据不足时返回 NaN。
func EMALast(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return math.NaN()
	}
	return Last(talib.Ema(closes, period))
}

// RSILast 返回 RSI 的最新值，数据不足时返回 NaN。
func RSILast(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return math.NaN()
	}
	return Last(talib.Rsi(closes, period))
}

// Correlation 返回两条序列在给定窗口内的皮尔逊相关系数。
func Correlation(a, b []float64, period int) float64 {
	if period <= 1 || len(a) < period || len(b) < period {
		return math.NaN()
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return Last(talib.Correl(a[len(a)-n:], b[len(b)-n:], period))
}

// ZScore 返回序列最新值相对窗口均值的标准分。
func ZScore(values []float64, lookback int) float64 {
	if lookback <= 1 || len(values) < lookback {
		return math.NaN()
	}
	window := SliceTail(values, lookback)
	mean := Mean(window)
	stddev := Last(talib.StdDev(window, lookback, 1))
	if stddev == 0 || math.IsNaN(stddev) {
		return math.NaN()
	}
	return (Last(window) - mean) / stddev
}

// Spread 返回两条价格序列的逐点比值，长度取两者较短的尾部。
func Spread(base, quote []float64) []float64 {
	n := len(base)
	if len(quote) < n {
		n = len(quote)
	}
	if n == 0 {
		return nil
	}
	baseTail := base[len(base)-n:]
	quoteTail := quote[len(quote)-n:]

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = SafeDivide(baseTail[i], quoteTail[i])
	}
	return out
}
