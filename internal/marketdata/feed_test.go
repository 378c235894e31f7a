package marketdata

import (
	"errors"
	"testing"
	"time"

	"quantcycle/internal/config"
)

var feedBase = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func newTestFeed(instruments ...string) *Feed {
	feed := NewFeed(config.MarketDataConfig{
		Instruments: instruments,
		MaxAge:      10 * time.Second,
		HistorySize: 3,
	}, nil, nil)
	feed.nowFn = func() time.Time { return feedBase }
	return feed
}

func pushAt(feed *Feed, instrument string, last float64, ts time.Time) {
	feed.Push(Snapshot{
		Instrument: instrument,
		Last:       last,
		Volume:     last * 10,
		Timestamp:  ts,
	})
}

func TestCurrentStaleOnlyBeyondMaxAge(t *testing.T) {
	feed := newTestFeed("BTC/USDT")
	pushAt(feed, "BTC/USDT", 50000, feedBase.Add(-10*time.Second))

	// 年龄恰好等于 max_age 仍然视为新鲜。
	if _, err := feed.Current("BTC/USDT"); err != nil {
		t.Fatalf("snapshot at exactly max age must be fresh: %v", err)
	}

	feed.nowFn = func() time.Time { return feedBase.Add(time.Nanosecond) }
	if _, err := feed.Current("BTC/USDT"); !errors.Is(err, ErrStale) {
		t.Fatalf("snapshot older than max age must be stale, got %v", err)
	}
}

func TestCurrentErrorCases(t *testing.T) {
	feed := newTestFeed("BTC/USDT")

	if _, err := feed.Current("DOGE/USDT"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if _, err := feed.Current("BTC/USDT"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot before first push, got %v", err)
	}
}

func TestPushAssignsMonotonicSequence(t *testing.T) {
	feed := newTestFeed("BTC/USDT")

	pushAt(feed, "BTC/USDT", 50000, feedBase)
	pushAt(feed, "BTC/USDT", 50100, feedBase)

	snapshot, err := feed.Current("BTC/USDT")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if snapshot.Sequence != 2 {
		t.Errorf("expected sequence 2 after two pushes, got %d", snapshot.Sequence)
	}
	if snapshot.Last != 50100 {
		t.Errorf("expected latest push to win, got %.2f", snapshot.Last)
	}
}

func TestPushPreservesSentimentAcrossRefreshes(t *testing.T) {
	feed := newTestFeed("BTC/USDT")

	pushAt(feed, "BTC/USDT", 50000, feedBase)
	feed.SetSentiment(map[string]float64{"BTC/USDT": -0.8})
	pushAt(feed, "BTC/USDT", 50100, feedBase)

	snapshot, err := feed.Current("BTC/USDT")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if snapshot.Sentiment != -0.8 {
		t.Errorf("sentiment must survive a refresh, got %.2f", snapshot.Sentiment)
	}
}

func TestHistoryIsCappedAndCopied(t *testing.T) {
	feed := newTestFeed("BTC/USDT")

	for i, price := range []float64{1, 2, 3, 4, 5} {
		pushAt(feed, "BTC/USDT", price, feedBase.Add(time.Duration(i)*time.Second))
	}

	history := feed.History("BTC/USDT")
	if history.Len() != 3 {
		t.Fatalf("history must cap at configured size, got %d", history.Len())
	}
	if history.Closes[0] != 3 || history.Closes[2] != 5 {
		t.Errorf("history must keep the newest values, got %v", history.Closes)
	}

	history.Closes[0] = 999
	if again := feed.History("BTC/USDT"); again.Closes[0] == 999 {
		t.Errorf("History must return a copy")
	}
}

func TestCurrentAllSplitsFreshAndStale(t *testing.T) {
	feed := newTestFeed("BTC/USDT", "ETH/USDT")

	pushAt(feed, "BTC/USDT", 50000, feedBase)
	pushAt(feed, "ETH/USDT", 2500, feedBase.Add(-time.Minute))

	fresh, stale := feed.CurrentAll()
	if len(fresh) != 1 {
		t.Fatalf("expected one fresh instrument, got %d", len(fresh))
	}
	if _, ok := fresh["BTC/USDT"]; !ok {
		t.Errorf("BTC snapshot must be fresh")
	}
	if len(stale) != 1 || stale[0] != "ETH/USDT" {
		t.Errorf("ETH must be reported stale, got %v", stale)
	}
}
