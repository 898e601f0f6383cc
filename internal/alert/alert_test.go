package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"trinity/internal/mock"
)

type mockAlertChannel struct {
	name string
	mu   sync.Mutex
	sent []AlertPayload
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertManagerFansOut(t *testing.T) {
	am := NewAlertManager(mock.NewNopLogger())

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", "info", map[string]string{"key": "value"})

	// Alert is async.
	time.Sleep(100 * time.Millisecond)

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()
	if len(sent1) != 1 {
		t.Errorf("Expected ch1 to receive 1 alert, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Errorf("Expected ch2 to receive 1 alert, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Test Alert" {
		t.Errorf("Expected title 'Test Alert', got '%s'", payload.Title)
	}
	if payload.Level != Info {
		t.Errorf("Expected level INFO, got %s", payload.Level)
	}
	if payload.Fields["key"] != "value" {
		t.Errorf("Expected field key=value, got %s", payload.Fields["key"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want AlertLevel
	}{
		{"info", Info},
		{"warning", Warning},
		{"warn", Warning},
		{"error", Error},
		{"critical", Critical},
		{"CRITICAL", Critical},
		{"", Info},
		{"unknown", Info},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
