package sentiment

import (
	"context"
)

// Digest 为提交给情绪模型的单个交易对摘要。
type Digest struct {
	Instrument   string  `json:"instrument"`
	LastPrice    float64 `json:"last_price"`
	RecentReturn float64 `json:"recent_return"`
	FundingRate  float64 `json:"funding_rate"`
	Volume       float64 `json:"volume"`
}

// Provider 输出各交易对的情绪评分，取值 [-1,1]，正值偏贪婪。
type Provider interface {
	Score(ctx context.Context, digests []Digest) (map[string]float64, error)
}
