package whale

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/dataapi"
	"github.com/Pechulyak/polymarket-bot/internal/store"
)

// EventKind labels a lifecycle notification from the detector.
type EventKind string

const (
	EventDiscovered EventKind = "discovered"
	EventQualified  EventKind = "qualified"
	EventRanked     EventKind = "ranked"
	EventDemoted    EventKind = "demoted"
	EventInactive   EventKind = "inactive"
)

// Event is one whale lifecycle notification.
type Event struct {
	Kind  EventKind
	Whale store.Whale
}

// Signal is a normalized trading intent derived from one observed trade
// of a currently qualified whale.
type Signal struct {
	WhaleAddress string
	MarketID     string
	AssetID      string
	Side         string
	SizeUSD      decimal.Decimal
	Price        decimal.Decimal
	TradedAt     time.Time
	ExternalID   string
	Stats        Stats   // whale stats snapshot at signal time
	RankNorm     float64 // composite rank score clamped to [0,1]
	DetectedAt   time.Time
}

const (
	signalBuffer   = 256
	pendingBuffer  = 1024
	topNBlockLimit = time.Second
)

// Detector drives the three-stage pipeline. Its known-whales map is a
// cache over the Store: every transition is persisted before it is
// reflected in the cache, so a crash never leaves the cache ahead.
type Detector struct {
	tracker *Tracker
	st      *store.Store
	data    *dataapi.Client

	pollInterval time.Duration
	qual         config.QualificationConfig
	ranking      config.RankingConfig

	mu          sync.RWMutex
	known       map[string]*store.Whale
	topN        map[string]bool
	top         []store.Whale
	dailyCounts map[string]int
	dailyDay    string
	lastPoll    time.Time

	events  chan Event
	signals chan Signal
	pending chan dataapi.TradeRecord
}

// NewDetector wires the pipeline. Prime must run before Run.
func NewDetector(tracker *Tracker, st *store.Store, data *dataapi.Client,
	pollInterval time.Duration, qual config.QualificationConfig, ranking config.RankingConfig) *Detector {
	return &Detector{
		tracker:      tracker,
		st:           st,
		data:         data,
		pollInterval: pollInterval,
		qual:         qual,
		ranking:      ranking,
		known:        make(map[string]*store.Whale),
		topN:         make(map[string]bool),
		dailyCounts:  make(map[string]int),
		events:       make(chan Event, 64),
		signals:      make(chan Signal, signalBuffer),
		pending:      make(chan dataapi.TradeRecord, pendingBuffer),
	}
}

// Events is the lifecycle notification channel.
func (d *Detector) Events() <-chan Event { return d.events }

// Signals is the copy-signal channel consumed by the engine.
func (d *Detector) Signals() <-chan Signal { return d.signals }

// Prime loads the known-whale cache from the Store. The Store is the
// source of truth; after a crash the cache is at most one polling cycle
// behind.
func (d *Detector) Prime(ctx context.Context) error {
	known, err := d.st.LoadKnownWhales()
	if err != nil {
		return err
	}
	top, err := d.st.LoadTopWhales(d.ranking.TopN)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.known = known
	d.top = top
	d.topN = make(map[string]bool, len(top))
	for _, w := range top {
		d.topN[w.WalletAddress] = true
	}
	d.lastPoll = time.Now().UTC().Add(-ActivityWindow)
	d.mu.Unlock()

	log.Info().Int("known", len(known)).Int("top", len(top)).Msg("whale cache primed from store")
	return nil
}

// OnMarketTrade feeds a stream-observed trade into the pipeline. The
// taker address attribution comes from the market feed when present.
func (d *Detector) OnMarketTrade(rec dataapi.TradeRecord) {
	if rec.User == "" {
		return
	}
	select {
	case d.pending <- rec:
	default:
		log.Debug().Str("whale", rec.User).Msg("pending trade buffer full, dropping stream observation")
	}
}

// Run executes polling cycles until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Err(err).Msg("detector cycle failed")
			}
		}
	}
}

// TopWhales returns the current top-N view, refreshed once per cycle.
func (d *Detector) TopWhales(n int) []store.Whale {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n > len(d.top) {
		n = len(d.top)
	}
	out := make([]store.Whale, n)
	copy(out, d.top[:n])
	return out
}

// IsQualified reports whether an address is currently qualified or
// ranked — the engine's gate for accepting a signal.
func (d *Detector) IsQualified(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.known[address]
	return ok && w.IsActive && (w.Status == store.StatusQualified || w.Status == store.StatusRanked)
}

// cycle runs one Discovery → Qualification → Ranking pass.
func (d *Detector) cycle(ctx context.Context) error {
	now := time.Now().UTC()
	d.resetDailyCounts(now)

	observed, err := d.collectObservations(ctx, now)
	if err != nil {
		return err
	}

	touched := d.discover(ctx, observed, now)

	freshStats := make(map[string]Stats, len(touched))
	for addr := range touched {
		stats, err := d.tracker.Refresh(ctx, addr)
		if err != nil {
			log.Warn().Err(err).Str("whale", addr).Msg("refresh failed, keeping cached stats")
			continue
		}
		freshStats[addr] = stats
	}

	report := d.requalify(freshStats, now)
	d.rank(now)
	d.publishReport(report, now)
	d.emitSignals(ctx, observed, now)

	d.mu.Lock()
	d.lastPoll = now
	d.mu.Unlock()
	return nil
}

func (d *Detector) resetDailyCounts(now time.Time) {
	day := now.Format("2006-01-02")
	d.mu.Lock()
	if day != d.dailyDay {
		d.dailyDay = day
		d.dailyCounts = make(map[string]int)
	}
	d.mu.Unlock()
}

// collectObservations merges the polled public feed with trades pushed
// from the stream since the last cycle.
func (d *Detector) collectObservations(ctx context.Context, now time.Time) ([]dataapi.TradeRecord, error) {
	d.mu.RLock()
	since := d.lastPoll
	d.mu.RUnlock()

	var observed []dataapi.TradeRecord

	page, err := d.data.GetTrades(ctx, dataapi.TradeFilter{Since: since})
	if err != nil {
		log.Warn().Err(err).Msg("trade poll failed, continuing with stream observations")
	} else {
		for {
			observed = append(observed, page.Records...)
			more, err := page.Next(ctx)
			if err != nil || !more {
				break
			}
		}
	}

	for {
		select {
		case rec := <-d.pending:
			observed = append(observed, rec)
		default:
			return observed, nil
		}
	}
}

// discover registers unseen addresses once they cross the daily trade
// threshold and returns the set of addresses needing a stats refresh.
func (d *Detector) discover(ctx context.Context, observed []dataapi.TradeRecord, now time.Time) map[string]bool {
	touched := make(map[string]bool)

	for _, rec := range observed {
		if rec.User == "" {
			continue
		}

		d.mu.RLock()
		_, isKnown := d.known[rec.User]
		d.mu.RUnlock()

		if isKnown {
			touched[rec.User] = true
			continue
		}

		d.mu.Lock()
		d.dailyCounts[rec.User]++
		count := d.dailyCounts[rec.User]
		d.mu.Unlock()

		if count < d.qual.DailyTradeThresh {
			continue
		}

		// New candidate: persist the discovered row before the cache
		// ever sees it.
		stats, err := d.tracker.Refresh(ctx, rec.User)
		if err != nil {
			log.Warn().Err(err).Str("whale", rec.User).Msg("candidate refresh failed")
			continue
		}
		if err := d.tracker.Persist(stats, store.StatusDiscovered, true, 0); err != nil {
			log.Error().Err(err).Str("whale", rec.User).Msg("candidate persist failed")
			continue
		}

		w := statsToWhale(stats, store.StatusDiscovered, true, 0)
		d.mu.Lock()
		d.known[rec.User] = w
		d.mu.Unlock()
		touched[rec.User] = true

		d.notify(Event{Kind: EventDiscovered, Whale: *w})
		log.Info().Str("whale", rec.User).Int("trades", stats.TotalTrades).Msg("whale discovered")
	}

	return touched
}

// requalify re-evaluates every cached whale against the thresholds and
// applies forward transitions, demotions, and inactivity marks. Returns
// the blocker report for this cycle.
func (d *Detector) requalify(fresh map[string]Stats, now time.Time) map[string]int {
	report := make(map[string]int)

	d.mu.RLock()
	addrs := make([]string, 0, len(d.known))
	for addr := range d.known {
		addrs = append(addrs, addr)
	}
	d.mu.RUnlock()

	for _, addr := range addrs {
		d.mu.RLock()
		cached := d.known[addr]
		d.mu.RUnlock()
		if cached == nil || cached.Status == store.StatusRejected {
			continue
		}

		stats, hasFresh := fresh[addr]
		if !hasFresh {
			stats = whaleToStats(cached)
		}

		qualified, blockers := Qualify(stats, d.qual, now)
		for _, b := range blockers {
			report[b]++
		}

		inactive := stats.LastActiveAt.IsZero() ||
			now.Sub(stats.LastActiveAt) > time.Duration(d.qual.MaxInactiveDays)*24*time.Hour

		switch {
		case !inactive && !cached.IsActive && qualified &&
			(cached.Status == store.StatusQualified || cached.Status == store.StatusRanked):
			// Resumed trading while still meeting the thresholds: the
			// inactive mark is recomputed each cycle, not a latch.
			if err := d.tracker.Persist(stats, cached.Status, true, cached.RankScore); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("reactivation persist failed")
				continue
			}
			w := statsToWhale(stats, cached.Status, true, cached.RankScore)
			d.cacheUpdate(w)
			d.notify(Event{Kind: EventQualified, Whale: *w})
			log.Info().Str("whale", addr).Msg("whale reactivated")

		case inactive && cached.IsActive:
			// Gone quiet past the inactivity limit: marked inactive. A
			// discovered address below thresholds becomes rejected, which
			// is terminal.
			status := cached.Status
			if status == store.StatusDiscovered && !qualified {
				status = store.StatusRejected
			}
			if err := d.tracker.Persist(stats, status, false, cached.RankScore); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("inactive persist failed")
				continue
			}
			w := statsToWhale(stats, status, false, cached.RankScore)
			d.cacheUpdate(w)
			d.notify(Event{Kind: EventInactive, Whale: *w})

		case qualified && cached.Status == store.StatusDiscovered:
			if err := d.tracker.Persist(stats, store.StatusQualified, true, cached.RankScore); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("qualification persist failed")
				continue
			}
			w := statsToWhale(stats, store.StatusQualified, true, cached.RankScore)
			d.cacheUpdate(w)
			d.notify(Event{Kind: EventQualified, Whale: *w})
			log.Info().Str("whale", addr).Msg("whale qualified")

		case !qualified && (cached.Status == store.StatusQualified || cached.Status == store.StatusRanked):
			// Explicit demotion path back to discovered. The status drop
			// goes through DemoteWhale; the follow-up upsert refreshes
			// the counters and activity flag on the demoted row.
			if err := d.st.DemoteWhale(addr, store.StatusDiscovered); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("demotion persist failed")
				continue
			}
			if err := d.tracker.Persist(stats, store.StatusDiscovered, true, 0); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("demotion stats persist failed")
				continue
			}
			w := statsToWhale(stats, store.StatusDiscovered, true, 0)
			d.cacheUpdate(w)
			d.notify(Event{Kind: EventDemoted, Whale: *w})
			log.Info().Str("whale", addr).Strs("blockers", blockers).Msg("whale demoted")

		case hasFresh:
			// Counters moved but the lifecycle did not.
			if err := d.tracker.Persist(stats, cached.Status, cached.IsActive, cached.RankScore); err != nil {
				log.Error().Err(err).Str("whale", addr).Msg("stats persist failed")
				continue
			}
			d.cacheUpdate(statsToWhale(stats, cached.Status, cached.IsActive, cached.RankScore))
		}
	}

	return report
}

// rank computes the composite score over the qualified cohort, promotes
// the top-N to ranked, and refreshes the live top-whales view.
func (d *Detector) rank(now time.Time) {
	d.mu.RLock()
	cohort := make([]*store.Whale, 0)
	for _, w := range d.known {
		if w.IsActive && (w.Status == store.StatusQualified || w.Status == store.StatusRanked) {
			cohort = append(cohort, w)
		}
	}
	d.mu.RUnlock()

	if len(cohort) == 0 {
		d.mu.Lock()
		d.top = nil
		d.topN = make(map[string]bool)
		d.mu.Unlock()
		return
	}

	scores := compositeScores(cohort, d.ranking, now)

	sort.SliceStable(cohort, func(i, j int) bool {
		si, sj := scores[cohort[i].WalletAddress], scores[cohort[j].WalletAddress]
		if si != sj {
			return si > sj
		}
		if cohort[i].RiskScore != cohort[j].RiskScore {
			return cohort[i].RiskScore < cohort[j].RiskScore
		}
		return cohort[i].FirstSeenAt.Before(cohort[j].FirstSeenAt)
	})

	topCount := d.ranking.TopN
	if topCount > len(cohort) {
		topCount = len(cohort)
	}

	newTop := make([]store.Whale, 0, topCount)
	newTopSet := make(map[string]bool, topCount)

	for i, w := range cohort {
		score := scores[w.WalletAddress]
		inTop := i < topCount

		switch {
		case inTop && w.Status == store.StatusQualified:
			stats := whaleToStats(w)
			if err := d.tracker.Persist(stats, store.StatusRanked, true, score); err != nil {
				log.Error().Err(err).Str("whale", w.WalletAddress).Msg("rank persist failed")
				continue
			}
			ranked := statsToWhale(stats, store.StatusRanked, true, score)
			d.cacheUpdate(ranked)
			d.notify(Event{Kind: EventRanked, Whale: *ranked})
			w = ranked

		case !inTop && w.Status == store.StatusRanked:
			if err := d.st.DemoteWhale(w.WalletAddress, store.StatusQualified); err != nil {
				log.Error().Err(err).Str("whale", w.WalletAddress).Msg("unrank persist failed")
				continue
			}
			stats := whaleToStats(w)
			demoted := statsToWhale(stats, store.StatusQualified, true, score)
			d.cacheUpdate(demoted)
			w = demoted

		default:
			w.RankScore = score
			d.cacheUpdate(w)
		}

		if inTop {
			newTop = append(newTop, *w)
			newTopSet[w.WalletAddress] = true
		}
	}

	d.mu.Lock()
	d.top = newTop
	d.topN = newTopSet
	d.mu.Unlock()
}

// compositeScores min-max normalizes volume, recency, and frequency
// over the cohort and combines them with the configured weights.
func compositeScores(cohort []*store.Whale, cfg config.RankingConfig, now time.Time) map[string]float64 {
	vols := make([]float64, len(cohort))
	recs := make([]float64, len(cohort))
	freqs := make([]float64, len(cohort))

	for i, w := range cohort {
		vols[i], _ = w.TotalVolumeUSD.Float64()
		daysSince := now.Sub(w.LastActiveAt).Hours() / 24
		if daysSince < 0 {
			daysSince = 0
		}
		recs[i] = 1 / (1 + daysSince)
		freqs[i] = float64(w.TradesLast3Days)
	}

	normVol := minMax(vols)
	normRec := minMax(recs)
	normFreq := minMax(freqs)

	out := make(map[string]float64, len(cohort))
	for i, w := range cohort {
		out[w.WalletAddress] = cfg.WeightVol*normVol[i] +
			cfg.WeightRec*normRec[i] +
			cfg.WeightFreq*normFreq[i] -
			cfg.WeightRisk*(float64(w.RiskScore)/10)
	}
	return out
}

func minMax(vals []float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		if hi == lo {
			out[i] = 1
		} else {
			out[i] = (v - lo) / (hi - lo)
		}
	}
	return out
}

// publishReport persists the per-gate blocker counts as the cycle KPI.
func (d *Detector) publishReport(report map[string]int, now time.Time) {
	d.mu.RLock()
	tracked := len(d.known)
	qualified := 0
	ranked := 0
	for _, w := range d.known {
		switch w.Status {
		case store.StatusQualified:
			qualified++
		case store.StatusRanked:
			ranked++
		}
	}
	d.mu.RUnlock()

	h := &store.DetectorHealth{
		CycleAt:        now,
		TrackedCount:   tracked,
		QualifiedCount: qualified,
		RankedCount:    ranked,
		FailMinTrades:  report[BlockMinTrades],
		FailMinVolume:  report[BlockMinVolume],
		FailRecent:     report[BlockRecent],
		FailDaysActive: report[BlockDaysActive],
		FailInactive:   report[BlockInactive],
	}
	if err := d.st.InsertDetectorHealth(h); err != nil {
		log.Warn().Err(err).Msg("blocker report persist failed")
	}
}

// emitSignals forwards observed trades of qualified whales to the
// engine. Signals for top-N whales are never dropped: the send blocks,
// and blocking past one second is itself a recorded degradation.
func (d *Detector) emitSignals(ctx context.Context, observed []dataapi.TradeRecord, now time.Time) {
	for _, rec := range observed {
		if rec.User == "" || !d.IsQualified(rec.User) {
			continue
		}

		d.mu.RLock()
		cached := d.known[rec.User]
		isTop := d.topN[rec.User]
		d.mu.RUnlock()

		sig := Signal{
			WhaleAddress: rec.User,
			MarketID:     rec.MarketID,
			AssetID:      rec.AssetID,
			Side:         rec.Side,
			SizeUSD:      rec.SizeUSD,
			Price:        rec.Price,
			TradedAt:     rec.TradedAt,
			ExternalID:   rec.ExternalID,
			Stats:        whaleToStats(cached),
			RankNorm:     clamp01(cached.RankScore),
			DetectedAt:   now,
		}

		if !isTop {
			select {
			case d.signals <- sig:
			default:
				log.Debug().Str("whale", sig.WhaleAddress).Msg("signal buffer full, dropping non-top-N signal")
			}
			continue
		}

		select {
		case d.signals <- sig:
		case <-time.After(topNBlockLimit):
			log.Warn().Str("whale", sig.WhaleAddress).Msg("signal channel blocked past limit for top-N whale")
			if err := d.st.InsertRiskEvent(&store.RiskEvent{
				Kind:     "signal_backpressure",
				Severity: store.SeverityWarning,
				Strategy: "copy",
				Detail:   "top-N signal blocked >1s: " + sig.WhaleAddress,
			}); err != nil {
				log.Error().Err(err).Msg("backpressure risk event persist failed")
			}
			select {
			case d.signals <- sig:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Detector) cacheUpdate(w *store.Whale) {
	d.mu.Lock()
	d.known[w.WalletAddress] = w
	d.mu.Unlock()
}

func (d *Detector) notify(e Event) {
	select {
	case d.events <- e:
	default:
		log.Debug().Str("kind", string(e.Kind)).Msg("event channel full, dropping notification")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func statsToWhale(s Stats, status string, isActive bool, rankScore float64) *store.Whale {
	return &store.Whale{
		WalletAddress:   s.Address,
		FirstSeenAt:     s.FirstSeenAt,
		LastActiveAt:    s.LastActiveAt,
		TotalTrades:     s.TotalTrades,
		TotalVolumeUSD:  s.TotalVolumeUSD,
		AvgTradeSizeUSD: s.AvgTradeSizeUSD,
		TradesLast3Days: s.TradesLast3Days,
		DaysActive:      s.DaysActive,
		RiskScore:       s.RiskScore,
		RankScore:       rankScore,
		Status:          status,
		IsActive:        isActive,
	}
}

func whaleToStats(w *store.Whale) Stats {
	return Stats{
		Address:         w.WalletAddress,
		TotalTrades:     w.TotalTrades,
		TotalVolumeUSD:  w.TotalVolumeUSD,
		AvgTradeSizeUSD: w.AvgTradeSizeUSD,
		TradesLast3Days: w.TradesLast3Days,
		DaysActive:      w.DaysActive,
		FirstSeenAt:     w.FirstSeenAt,
		LastActiveAt:    w.LastActiveAt,
		RiskScore:       w.RiskScore,
	}
}
