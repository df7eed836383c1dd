package whale

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/dataapi"
	"github.com/Pechulyak/polymarket-bot/internal/store"
)

func rankCfg() config.RankingConfig {
	return config.RankingConfig{
		TopN:       2,
		WeightVol:  0.5,
		WeightRec:  0.2,
		WeightFreq: 0.2,
		WeightRisk: 0.1,
	}
}

func newTestDetector(t *testing.T) (*Detector, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	data := dataapi.NewClient(config.DataAPIConfig{
		URL: "http://127.0.0.1:0", RatePerMinute: 60, Timeout: time.Second, MaxRetries: 0,
	})
	tracker := NewTracker(data, st, qualCfg())
	return NewDetector(tracker, st, data, time.Minute, qualCfg(), rankCfg()), st
}

func seedWhale(t *testing.T, st *store.Store, d *Detector, addr, status string, volume int64, recent int) {
	t.Helper()
	w := &store.Whale{
		WalletAddress:   addr,
		FirstSeenAt:     time.Now().UTC().Add(-10 * 24 * time.Hour),
		LastActiveAt:    time.Now().UTC().Add(-time.Hour),
		TotalTrades:     50,
		TotalVolumeUSD:  decimal.NewFromInt(volume),
		AvgTradeSizeUSD: decimal.NewFromInt(volume / 50),
		TradesLast3Days: recent,
		DaysActive:      5,
		RiskScore:       4,
		Status:          status,
		IsActive:        true,
	}
	require.NoError(t, st.UpsertWhale(w))
	d.cacheUpdate(w)
}

func TestPrimeLoadsCacheFromStore(t *testing.T) {
	d, st := newTestDetector(t)

	require.NoError(t, st.UpsertWhale(&store.Whale{
		WalletAddress: "0xaaaa",
		Status:        store.StatusQualified,
		IsActive:      true,
		LastActiveAt:  time.Now().UTC(),
	}))

	require.NoError(t, d.Prime(context.Background()))
	assert.True(t, d.IsQualified("0xaaaa"))
	assert.False(t, d.IsQualified("0xbbbb"))
}

func TestRequalifyDemotesBelowThreshold(t *testing.T) {
	d, st := newTestDetector(t)
	seedWhale(t, st, d, "0xaaaa", store.StatusQualified, 10_000, 5)

	// Fresh stats fall below the recent-activity gate.
	fresh := map[string]Stats{
		"0xaaaa": {
			Address:         "0xaaaa",
			TotalTrades:     50,
			TotalVolumeUSD:  decimal.NewFromInt(10_000),
			TradesLast3Days: 0,
			DaysActive:      5,
			LastActiveAt:    time.Now().UTC().Add(-5 * 24 * time.Hour),
			FirstSeenAt:     time.Now().UTC().Add(-10 * 24 * time.Hour),
		},
	}
	report := d.requalify(fresh, time.Now().UTC())

	assert.Equal(t, 1, report[BlockRecent])

	// Demotion is persisted before the cache reflects it.
	w, err := st.GetWhale("0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDiscovered, w.Status)
	assert.False(t, d.IsQualified("0xaaaa"))

	select {
	case e := <-d.Events():
		assert.Equal(t, EventDemoted, e.Kind)
	default:
		t.Fatal("expected a demoted event")
	}
}

func TestRequalifyReactivatesResumedWhale(t *testing.T) {
	d, st := newTestDetector(t)

	// Marked inactive on an earlier cycle, still qualified on paper.
	w := &store.Whale{
		WalletAddress:   "0xaaaa",
		FirstSeenAt:     time.Now().UTC().Add(-60 * 24 * time.Hour),
		LastActiveAt:    time.Now().UTC().Add(-40 * 24 * time.Hour),
		TotalTrades:     50,
		TotalVolumeUSD:  decimal.NewFromInt(10_000),
		AvgTradeSizeUSD: decimal.NewFromInt(200),
		TradesLast3Days: 0,
		DaysActive:      5,
		RiskScore:       3,
		Status:          store.StatusQualified,
		IsActive:        false,
	}
	require.NoError(t, st.UpsertWhale(w))
	d.cacheUpdate(w)
	require.False(t, d.IsQualified("0xaaaa"))

	// Fresh stats show it trading again and meeting every gate.
	fresh := map[string]Stats{
		"0xaaaa": {
			Address:         "0xaaaa",
			TotalTrades:     55,
			TotalVolumeUSD:  decimal.NewFromInt(11_000),
			AvgTradeSizeUSD: decimal.NewFromInt(200),
			TradesLast3Days: 5,
			DaysActive:      6,
			LastActiveAt:    time.Now().UTC().Add(-time.Hour),
			FirstSeenAt:     w.FirstSeenAt,
			RiskScore:       3,
		},
	}
	d.requalify(fresh, time.Now().UTC())

	got, err := st.GetWhale("0xaaaa")
	require.NoError(t, err)
	assert.True(t, got.IsActive, "inactive mark must clear once activity resumes")
	assert.Equal(t, store.StatusQualified, got.Status)
	assert.True(t, d.IsQualified("0xaaaa"), "reactivated whale is a valid signal source again")

	// And it re-enters the ranking cohort.
	d.rank(time.Now().UTC())
	top := d.TopWhales(10)
	require.Len(t, top, 1)
	assert.Equal(t, "0xaaaa", top[0].WalletAddress)
}

func TestRequalifyPromotesDiscovered(t *testing.T) {
	d, st := newTestDetector(t)
	seedWhale(t, st, d, "0xaaaa", store.StatusDiscovered, 2_400, 4)

	fresh := map[string]Stats{
		"0xaaaa": {
			Address:         "0xaaaa",
			TotalTrades:     12,
			TotalVolumeUSD:  decimal.NewFromInt(2400),
			AvgTradeSizeUSD: decimal.NewFromInt(200),
			TradesLast3Days: 4,
			DaysActive:      2,
			LastActiveAt:    time.Now().UTC().Add(-time.Hour),
			FirstSeenAt:     time.Now().UTC().Add(-2 * 24 * time.Hour),
		},
	}
	d.requalify(fresh, time.Now().UTC())

	w, err := st.GetWhale("0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQualified, w.Status)
	assert.True(t, d.IsQualified("0xaaaa"))
}

func TestRankPromotesTopN(t *testing.T) {
	d, st := newTestDetector(t)
	seedWhale(t, st, d, "0xaaaa", store.StatusQualified, 100_000, 20)
	seedWhale(t, st, d, "0xbbbb", store.StatusQualified, 50_000, 10)
	seedWhale(t, st, d, "0xcccc", store.StatusQualified, 1_000, 3)

	d.rank(time.Now().UTC())

	top := d.TopWhales(10)
	require.Len(t, top, 2, "top-N is capped at configured 2")
	assert.Equal(t, "0xaaaa", top[0].WalletAddress)
	assert.Equal(t, "0xbbbb", top[1].WalletAddress)

	wa, err := st.GetWhale("0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRanked, wa.Status)

	wc, err := st.GetWhale("0xcccc")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQualified, wc.Status, "outside top-N stays qualified")
}

func TestRankedImpliesQualified(t *testing.T) {
	d, st := newTestDetector(t)
	seedWhale(t, st, d, "0xaaaa", store.StatusQualified, 100_000, 20)
	d.rank(time.Now().UTC())

	w, err := st.GetWhale("0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRanked, w.Status)
	assert.True(t, d.IsQualified("0xaaaa"), "ranked whales remain valid signal sources")
}

func TestCompositeScoreOrdering(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	big := &store.Whale{
		WalletAddress:   "big",
		TotalVolumeUSD:  decimal.NewFromInt(100_000),
		TradesLast3Days: 20,
		LastActiveAt:    now.Add(-time.Hour),
		RiskScore:       1,
	}
	small := &store.Whale{
		WalletAddress:   "small",
		TotalVolumeUSD:  decimal.NewFromInt(1_000),
		TradesLast3Days: 3,
		LastActiveAt:    now.Add(-48 * time.Hour),
		RiskScore:       6,
	}

	scores := compositeScores([]*store.Whale{big, small}, rankCfg(), now)
	assert.Greater(t, scores["big"], scores["small"])
}

func TestMinMaxSingleElement(t *testing.T) {
	t.Parallel()

	out := minMax([]float64{42})
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0])
}

func TestOnMarketTradeQueues(t *testing.T) {
	d, _ := newTestDetector(t)

	d.OnMarketTrade(dataapi.TradeRecord{User: "0xaaaa", MarketID: "m1"})
	d.OnMarketTrade(dataapi.TradeRecord{User: ""}) // no attribution, dropped

	select {
	case rec := <-d.pending:
		assert.Equal(t, "0xaaaa", rec.User)
	default:
		t.Fatal("expected one queued observation")
	}
	select {
	case rec := <-d.pending:
		t.Fatalf("unexpected second observation: %+v", rec)
	default:
	}
}
