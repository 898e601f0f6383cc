package telemetry

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestMetricsHolder_InitAndState(t *testing.T) {
	holder := GetGlobalMetrics()
	if holder != GetGlobalMetrics() {
		t.Fatal("holder must be a singleton")
	}

	provider := sdkmetric.NewMeterProvider()
	if err := holder.InitMetrics(provider.Meter("test")); err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}

	holder.SetActiveTrades(3)
	if got := holder.GetActiveTrades(); got != 3 {
		t.Fatalf("expected 3 active trades, got %d", got)
	}

	holder.SetWatcherFailures("binance", 12)
	holder.SetWatcherFailures("bybit", 0)
	failures := holder.GetWatcherFailures()
	if failures["binance"] != 12 || failures["bybit"] != 0 {
		t.Fatalf("unexpected watcher failures: %v", failures)
	}

	holder.SetKVFallback(true)
	holder.SetBestNetEdge("BTCUSDT", 0.42)
}
