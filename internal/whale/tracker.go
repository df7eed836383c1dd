package whale

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/dataapi"
	"github.com/Pechulyak/polymarket-bot/internal/store"
)

// Tracker owns Whale and WhaleTrade mutation: it pulls raw trade data
// for one address, recomputes its statistics window, and persists the
// result. Updates for a given address are serialized by a per-address
// lock so concurrent refreshes never interleave.
type Tracker struct {
	data *dataapi.Client
	st   *store.Store
	cfg  config.QualificationConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker builds a tracker over the data client and store.
func NewTracker(data *dataapi.Client, st *store.Store, cfg config.QualificationConfig) *Tracker {
	return &Tracker{
		data:  data,
		st:    st,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) addrLock(address string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[address]
	if !ok {
		l = &sync.Mutex{}
		t.locks[address] = l
	}
	return l
}

// Refresh fetches the address's recent trades, persists any new whale
// trade rows, and recomputes its statistics window.
func (t *Tracker) Refresh(ctx context.Context, address string) (Stats, error) {
	l := t.addrLock(address)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	since := now.Add(-AggregateWindow)

	page, err := t.data.GetTrades(ctx, dataapi.TradeFilter{User: address, Since: since})
	if err != nil {
		return Stats{}, err
	}

	var all []dataapi.TradeRecord
	for {
		all = append(all, page.Records...)
		more, err := page.Next(ctx)
		if err != nil {
			return Stats{}, err
		}
		if !more {
			break
		}
	}

	for _, rec := range all {
		if _, err := t.st.InsertWhaleTrade(&store.WhaleTrade{
			WhaleAddress:    rec.User,
			MarketID:        rec.MarketID,
			Side:            rec.Side,
			SizeUSD:         rec.SizeUSD,
			Price:           rec.Price,
			TradedAt:        rec.TradedAt,
			TradeExternalID: rec.ExternalID,
		}); err != nil {
			return Stats{}, err
		}
	}

	stats := Compute(address, all, now)
	log.Debug().
		Str("whale", address).
		Int("trades", stats.TotalTrades).
		Str("volume", stats.TotalVolumeUSD.StringFixed(2)).
		Int("risk", stats.RiskScore).
		Msg("whale stats refreshed")
	return stats, nil
}

// Persist upserts the stats into the store with the given lifecycle
// fields. rankScore is the detector's composite score at this cycle.
func (t *Tracker) Persist(stats Stats, status string, isActive bool, rankScore float64) error {
	return t.st.UpsertWhale(&store.Whale{
		WalletAddress:   stats.Address,
		FirstSeenAt:     stats.FirstSeenAt,
		LastActiveAt:    stats.LastActiveAt,
		TotalTrades:     stats.TotalTrades,
		TotalVolumeUSD:  stats.TotalVolumeUSD,
		AvgTradeSizeUSD: stats.AvgTradeSizeUSD,
		TradesLast3Days: stats.TradesLast3Days,
		DaysActive:      stats.DaysActive,
		RiskScore:       stats.RiskScore,
		RankScore:       rankScore,
		Status:          status,
		IsActive:        isActive,
	})
}

// IsQualifyingWhale evaluates the qualification predicate.
func (t *Tracker) IsQualifyingWhale(stats Stats) (bool, []string) {
	return Qualify(stats, t.cfg, time.Now().UTC())
}

// RecordCopiedOutcome accumulates the realized result of one of our own
// closed copy trades onto the source whale.
func (t *Tracker) RecordCopiedOutcome(address string, netPnl decimal.Decimal) error {
	l := t.addrLock(address)
	l.Lock()
	defer l.Unlock()

	w, err := t.st.GetWhale(address)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	w.RealizedPnlUSD = w.RealizedPnlUSD.Add(netPnl)
	w.CopiedTradeCount++
	return t.st.UpsertWhale(w)
}
