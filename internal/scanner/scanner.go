// Package scanner discovers funding-rate arbitrage opportunities across
// venue pairs and hands the qualified ones to the execution controller.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/kv"
	"trinity/pkg/concurrency"
	"trinity/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	summaryInterval = 5 * time.Minute
	displayRows     = 5
)

// Sink consumes qualified opportunities. The execution controller is
// the production implementation.
type Sink interface {
	HandleOpportunity(ctx context.Context, opp *core.Opportunity) error
}

// Scanner runs the periodic discovery tick: read funding caches, pair
// venues per symbol, evaluate both directions, rank, dispatch.
type Scanner struct {
	cfg      *config.Config
	adapters map[string]core.IExchange
	store    core.IKVStore
	prices   core.IPriceSource // optional, nil falls back to REST tickers
	sink     Sink
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu          sync.RWMutex
	latest      []*core.Opportunity
	lastSummary time.Time

	now func() time.Time
}

func New(cfg *config.Config, adapters map[string]core.IExchange, store core.IKVStore, prices core.IPriceSource, sink Sink, logger core.ILogger) *Scanner {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "scanner",
		MaxWorkers:  cfg.Execution.ScanParallelism,
		MaxCapacity: 4 * cfg.Execution.ScanParallelism,
	}, logger)

	return &Scanner{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
		prices:   prices,
		sink:     sink,
		pool:     pool,
		logger:   logger.WithField("component", "scanner"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately so
// a fresh start does not wait a full interval.
func (s *Scanner) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.RiskGuard.ScannerIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.pool.Stop()

	s.logger.Info("Scanner started", "interval", interval.String(), "exchanges", len(s.adapters))

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// LatestQualified returns the qualified opportunities of the most
// recent tick. The exit monitor consults it for upgrades.
func (s *Scanner) LatestQualified() []*core.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Opportunity, len(s.latest))
	copy(out, s.latest)
	return out
}

func (s *Scanner) tick(ctx context.Context) {
	start := s.now()

	balances := s.snapshotBalances(ctx)
	pairs := s.commonSymbols()
	if len(pairs) == 0 {
		s.logger.Warn("No symbol listed on two or more exchanges, nothing to scan")
		return
	}

	var mu sync.Mutex
	var all []*core.Opportunity

	group := s.pool.Group()
	for symbol, venues := range pairs {
		symbol, venues := symbol, venues
		group.Submit(func() {
			if s.inCooldown(ctx, symbol) {
				return
			}
			opps := s.evaluateSymbol(ctx, symbol, venues, balances)
			if len(opps) == 0 {
				return
			}
			mu.Lock()
			all = append(all, opps...)
			mu.Unlock()
		})
	}
	group.Wait()

	qualified := make([]*core.Opportunity, 0, len(all))
	for _, opp := range all {
		if opp.Qualified {
			qualified = append(qualified, opp)
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		return qualified[i].ImmediateNetPct.GreaterThan(qualified[j].ImmediateNetPct)
	})

	s.mu.Lock()
	s.latest = qualified
	s.mu.Unlock()

	s.recordTick(ctx, start, all, qualified)
	s.logSummary(all, qualified)

	dispatch := bestPerPair(qualified)
	if s.cfg.TradingParams.ExecuteOnlyBestOpportunity && len(dispatch) > 1 {
		dispatch = dispatch[:1]
	}
	for _, opp := range dispatch {
		if ctx.Err() != nil {
			return
		}
		if err := s.sink.HandleOpportunity(ctx, opp); err != nil {
			s.logger.Debug("Opportunity declined",
				"symbol", opp.Symbol, "pair", opp.PairKey(), "reason", err.Error())
		}
	}
}

// bestPerPair keeps at most one candidate per exchange pair per tick.
// The input is sorted by net edge, so the first entry for a pair wins.
func bestPerPair(qualified []*core.Opportunity) []*core.Opportunity {
	seen := make(map[string]bool, len(qualified))
	out := make([]*core.Opportunity, 0, len(qualified))
	for _, opp := range qualified {
		key := opp.PairKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, opp)
	}
	return out
}

// snapshotBalances fetches each venue's free balance once per tick. A
// failed fetch yields a zero balance, which sizes that venue's
// opportunities to zero quantity.
func (s *Scanner) snapshotBalances(ctx context.Context) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.adapters))
	for name, adapter := range s.adapters {
		bal, err := adapter.GetBalance(ctx)
		if err != nil {
			s.logger.Warn("Balance fetch failed, sizing to zero this tick", "exchange", name, "error", err.Error())
			out[name] = decimal.Zero
			continue
		}
		out[name] = bal.Free
	}
	return out
}

// commonSymbols maps each symbol listed on at least two venues to the
// venues listing it.
func (s *Scanner) commonSymbols() map[string][]string {
	bySymbol := make(map[string][]string)
	for name, adapter := range s.adapters {
		for _, sym := range adapter.ListPerpetuals() {
			bySymbol[sym] = append(bySymbol[sym], name)
		}
	}
	for sym, venues := range bySymbol {
		if len(venues) < 2 {
			delete(bySymbol, sym)
			continue
		}
		sort.Strings(venues) // deterministic pair order
	}
	return bySymbol
}

func (s *Scanner) inCooldown(ctx context.Context, symbol string) bool {
	active, err := s.store.Exists(ctx, kv.CooldownKey(symbol))
	if err != nil {
		s.logger.Debug("Cooldown check failed, treating as inactive", "symbol", symbol, "error", err.Error())
		return false
	}
	return active
}

// evaluateSymbol pairs every two venues holding a cached funding entry
// for the symbol and keeps the better direction of each pair.
func (s *Scanner) evaluateSymbol(ctx context.Context, symbol string, venues []string, balances map[string]decimal.Decimal) []*core.Opportunity {
	type venueData struct {
		name  string
		entry *core.FundingEntry
		spec  *core.InstrumentSpec
	}

	ready := make([]venueData, 0, len(venues))
	for _, name := range venues {
		adapter := s.adapters[name]
		entry, ok := adapter.GetCachedFunding(symbol)
		if !ok {
			continue
		}
		spec, err := adapter.GetInstrumentSpec(ctx, symbol)
		if err != nil {
			s.logger.Debug("Spec lookup failed", "exchange", name, "symbol", symbol, "error", err.Error())
			continue
		}
		ready = append(ready, venueData{name: name, entry: entry, spec: spec})
	}
	if len(ready) < 2 {
		return nil
	}

	refPrice := s.referencePrice(ctx, symbol, ready[0].name)
	now := s.now()

	var out []*core.Opportunity
	for i := 0; i < len(ready); i++ {
		for j := i + 1; j < len(ready); j++ {
			a, b := ready[i], ready[j]

			forward := EvaluateDirection(s.pairInput(symbol, a.name, b.name, a.entry, b.entry, a.spec, b.spec, refPrice, balances), s.cfg.TradingParams, s.cfg.RiskLimits, now)
			reverse := EvaluateDirection(s.pairInput(symbol, b.name, a.name, b.entry, a.entry, b.spec, a.spec, refPrice, balances), s.cfg.TradingParams, s.cfg.RiskLimits, now)

			if best := BetterOf(forward, reverse); best != nil {
				out = append(out, best)
			}
		}
	}
	return out
}

func (s *Scanner) pairInput(symbol, longName, shortName string, long, short *core.FundingEntry, longSpec, shortSpec *core.InstrumentSpec, refPrice decimal.Decimal, balances map[string]decimal.Decimal) PairInput {
	leverage := 1
	if ex, ok := s.cfg.Exchanges[longName]; ok && ex.Leverage > 0 {
		leverage = ex.Leverage
	}
	return PairInput{
		Symbol:         symbol,
		LongExchange:   longName,
		ShortExchange:  shortName,
		Long:           long,
		Short:          short,
		LongSpec:       longSpec,
		ShortSpec:      shortSpec,
		ReferencePrice: refPrice,
		LongFree:       balances[longName],
		ShortFree:      balances[shortName],
		LongLeverage:   leverage,
	}
}

// referencePrice prefers the streaming price cache and falls back to a
// REST ticker from the preferred venue.
func (s *Scanner) referencePrice(ctx context.Context, symbol, venue string) decimal.Decimal {
	if s.prices != nil {
		if t, ok := s.prices.LatestPrice(venue, symbol); ok && t.Last.IsPositive() {
			return t.Last
		}
	}
	adapter, ok := s.adapters[venue]
	if !ok {
		return decimal.Zero
	}
	t, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		s.logger.Debug("Ticker fetch failed", "exchange", venue, "symbol", symbol, "error", err.Error())
		return decimal.Zero
	}
	if t.Last.IsPositive() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

func (s *Scanner) recordTick(ctx context.Context, start time.Time, all, qualified []*core.Opportunity) {
	elapsed := s.now().Sub(start)
	if s.metrics == nil || s.metrics.ScanDuration == nil {
		return
	}
	s.metrics.ScanDuration.Record(ctx, float64(elapsed.Milliseconds()))
	s.metrics.OpportunitiesFound.Add(ctx, int64(len(all)))
	s.metrics.OpportunitiesQualified.Add(ctx, int64(len(qualified)))
	if len(qualified) > 0 {
		best := qualified[0]
		s.metrics.SetBestNetEdge(best.Symbol, best.ImmediateNetPct.InexactFloat64())
	}
}

// logSummary prints the top of the book at most every summaryInterval:
// qualified first, padded to displayRows with the highest-yield
// near-misses.
func (s *Scanner) logSummary(all, qualified []*core.Opportunity) {
	now := s.now()
	if now.Sub(s.lastSummary) < summaryInterval {
		return
	}
	s.lastSummary = now

	rows := make([]*core.Opportunity, len(qualified))
	copy(rows, qualified)
	if len(rows) < displayRows {
		rest := make([]*core.Opportunity, 0, len(all))
		for _, opp := range all {
			if !opp.Qualified {
				rest = append(rest, opp)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool {
			return rest[i].HourlyRatePct.GreaterThan(rest[j].HourlyRatePct)
		})
		for _, opp := range rest {
			if len(rows) >= displayRows {
				break
			}
			rows = append(rows, opp)
		}
	}

	s.logger.Info("Scan summary", "evaluated", len(all), "qualified", len(qualified))
	for _, opp := range rows {
		s.logger.Info("Opportunity",
			"symbol", opp.Symbol,
			"long", opp.LongExchange,
			"short", opp.ShortExchange,
			"mode", string(opp.Mode),
			"spread_8h_pct", opp.FundingSpreadPct.StringFixed(4),
			"net_pct", opp.ImmediateNetPct.StringFixed(4),
			"hourly_pct", opp.HourlyRatePct.StringFixed(4),
			"qty", opp.SuggestedQty.String(),
			"qualified", opp.Qualified,
		)
	}
}
