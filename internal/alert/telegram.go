package alert

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// TelegramChannel delivers alerts through the Bot API sendMessage call.
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		client:   newChannelClient(),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func levelBadge(level AlertLevel) string {
	switch level {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	case Critical:
		return "🚨"
	}
	return "ℹ️"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", levelBadge(alert.Level), alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		// Sorted so repeated alerts render identically.
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	return postJSON(ctx, t.client, url, map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
}
