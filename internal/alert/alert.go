// Package alert fans notable engine events out to operator channels.
// Delivery is fire-and-forget: alerting must never block the trading
// path.
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"trinity/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// ParseLevel maps a free-form severity string to a level, defaulting
// to Info.
func ParseLevel(severity string) AlertLevel {
	switch strings.ToLower(severity) {
	case "warning", "warn":
		return Warning
	case "error":
		return Error
	case "critical":
		return Critical
	default:
		return Info
	}
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.IAlerter over a set of channels.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert sends to every channel concurrently and returns immediately.
// Each send gets its own timeout so one slow channel cannot hold up
// the rest.
func (am *AlertManager) Alert(ctx context.Context, title, message string, severity string, fields map[string]string) {
	payload := AlertPayload{
		Level:     ParseLevel(severity),
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c AlertChannel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
