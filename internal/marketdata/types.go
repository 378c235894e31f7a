package marketdata

import (
	"errors"
	"time"
)

var (
	// ErrStale 表示快照超过最大允许年龄，本周期应跳过该交易对。
	ErrStale = errors.New("marketdata snapshot stale")
	// ErrUnknownInstrument 表示交易对未被纳入行情订阅。
	ErrUnknownInstrument = errors.New("marketdata unknown instrument")
	// ErrNoSnapshot 表示尚未收到任何快照。
	ErrNoSnapshot = errors.New("marketdata no snapshot yet")
)

// Snapshot 为某交易对的最新行情快照，创建后不可变，只会被更新的快照整体替换。
type Snapshot struct {
	Instrument  string
	Last        float64
	Bid         float64
	Ask         float64
	Volume      float64
	FundingRate float64
	Sentiment   float64 // [-1,1]，0 表示中性
	Sequence    uint64
	Timestamp   time.Time
}

// Age 返回快照距 now 的年龄。
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// History 为收盘价与成交量的滚动窗口，供指标计算使用。
// 返回给调用方的均为副本，策略侧只读。
type History struct {
	Closes  []float64
	Volumes []float64
}

// Len 返回窗口长度。
func (h History) Len() int {
	return len(h.Closes)
}

// Returns 返回相邻收盘价的对数差近似（简单收益率）。
func (h History) Returns() []float64 {
	if len(h.Closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(h.Closes)-1)
	for i := 1; i < len(h.Closes); i++ {
		prev := h.Closes[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (h.Closes[i]-prev)/prev)
	}
	return out
}

// Stats 汇总行情源运行状况。
type Stats struct {
	RefreshFailures map[string]uint64
	LastSequence    map[string]uint64
}
