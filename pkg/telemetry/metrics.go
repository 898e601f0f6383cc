package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesFound     = "trinity_opportunities_found_total"
	MetricOpportunitiesQualified = "trinity_opportunities_qualified_total"
	MetricTradesOpened           = "trinity_trades_opened_total"
	MetricTradesClosed           = "trinity_trades_closed_total"
	MetricTradesActive           = "trinity_trades_active"
	MetricFundingCollected       = "trinity_funding_collected_pct_total"
	MetricOrphanCloses           = "trinity_orphan_closes_total"
	MetricDeltaBreaches          = "trinity_delta_breaches_total"
	MetricPanicCloses            = "trinity_panic_closes_total"
	MetricWatcherFailures        = "trinity_watcher_consecutive_failures"
	MetricScanDuration           = "trinity_scan_duration_ms"
	MetricOrderLatency           = "trinity_order_latency_ms"
	MetricKVFallback             = "trinity_kv_fallback_active"
	MetricNetEdgeBest            = "trinity_best_net_edge_pct"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OpportunitiesFound     metric.Int64Counter
	OpportunitiesQualified metric.Int64Counter
	TradesOpened           metric.Int64Counter
	TradesClosed           metric.Int64Counter
	TradesActive           metric.Int64ObservableGauge
	FundingCollected       metric.Float64Counter
	OrphanCloses           metric.Int64Counter
	DeltaBreaches          metric.Int64Counter
	PanicCloses            metric.Int64Counter
	WatcherFailures        metric.Int64ObservableGauge
	ScanDuration           metric.Float64Histogram
	OrderLatency           metric.Float64Histogram
	KVFallback             metric.Int64ObservableGauge
	NetEdgeBest            metric.Float64ObservableGauge

	// State for observable gauges
	mu                 sync.RWMutex
	activeTrades       int64
	watcherFailuresMap map[string]int64 // key: exchange
	kvFallback         int64
	bestNetEdgeMap     map[string]float64 // key: symbol
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			watcherFailuresMap: make(map[string]int64),
			bestNetEdgeMap:     make(map[string]float64),
		}
		// Instruments are created in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OpportunitiesFound, err = meter.Int64Counter(MetricOpportunitiesFound, metric.WithDescription("Opportunities evaluated with positive spread"))
	if err != nil {
		return err
	}

	m.OpportunitiesQualified, err = meter.Int64Counter(MetricOpportunitiesQualified, metric.WithDescription("Opportunities passing all entry gates"))
	if err != nil {
		return err
	}

	m.TradesOpened, err = meter.Int64Counter(MetricTradesOpened, metric.WithDescription("Delta-neutral pairs opened"))
	if err != nil {
		return err
	}

	m.TradesClosed, err = meter.Int64Counter(MetricTradesClosed, metric.WithDescription("Delta-neutral pairs fully closed"))
	if err != nil {
		return err
	}

	m.FundingCollected, err = meter.Float64Counter(MetricFundingCollected, metric.WithDescription("Cumulative funding collected, percent of notional"))
	if err != nil {
		return err
	}

	m.OrphanCloses, err = meter.Int64Counter(MetricOrphanCloses, metric.WithDescription("Single filled legs closed after sibling failure"))
	if err != nil {
		return err
	}

	m.DeltaBreaches, err = meter.Int64Counter(MetricDeltaBreaches, metric.WithDescription("Delta neutrality breaches detected"))
	if err != nil {
		return err
	}

	m.PanicCloses, err = meter.Int64Counter(MetricPanicCloses, metric.WithDescription("Panic close operations issued"))
	if err != nil {
		return err
	}

	m.ScanDuration, err = meter.Float64Histogram(MetricScanDuration, metric.WithDescription("Duration of one scanner tick"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency, metric.WithDescription("Latency of order placement"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.TradesActive, err = meter.Int64ObservableGauge(MetricTradesActive, metric.WithDescription("Currently open delta-neutral pairs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeTrades)
			return nil
		}))
	if err != nil {
		return err
	}

	m.WatcherFailures, err = meter.Int64ObservableGauge(MetricWatcherFailures, metric.WithDescription("Consecutive funding watcher failures per exchange"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.watcherFailuresMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KVFallback, err = meter.Int64ObservableGauge(MetricKVFallback, metric.WithDescription("1 when the in-memory KV fallback is active"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.kvFallback)
			return nil
		}))
	if err != nil {
		return err
	}

	m.NetEdgeBest, err = meter.Float64ObservableGauge(MetricNetEdgeBest, metric.WithDescription("Best net edge seen on the last scan tick"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.bestNetEdgeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveTrades(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTrades = count
}

func (m *MetricsHolder) SetWatcherFailures(exchange string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcherFailuresMap[exchange] = count
}

func (m *MetricsHolder) SetKVFallback(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kvFallback = val
}

func (m *MetricsHolder) SetBestNetEdge(symbol string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestNetEdgeMap[symbol] = pct
}

func (m *MetricsHolder) GetActiveTrades() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTrades
}

func (m *MetricsHolder) GetWatcherFailures() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.watcherFailuresMap))
	for k, v := range m.watcherFailuresMap {
		res[k] = v
	}
	return res
}
