package kv

import "time"

// Key layout under the store prefix. The KV store is the single source
// of truth across process restarts, so every component builds its keys
// through these helpers.
const (
	tradePrefix    = "trade:"
	cooldownPrefix = "cooldown:"
	lockPrefix     = "lock:"
	positionsKey   = "positions:"
	healthPrefix   = "health:"
)

// TTLs per key class.
const (
	TradeTTL     = 7 * 24 * time.Hour
	LockTTL      = 10 * time.Second
	PositionsTTL = 120 * time.Second
	HealthTTL    = 300 * time.Second
)

func TradeKey(id string) string           { return tradePrefix + id }
func TradeScanPrefix() string             { return tradePrefix }
func CooldownKey(symbol string) string    { return cooldownPrefix + symbol }
func LockKey(name string) string          { return lockPrefix + name }
func PositionsKey(exchange string) string { return positionsKey + exchange }
func HealthKey(exchange string) string    { return healthPrefix + exchange }
