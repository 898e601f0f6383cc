package alert

import (
	"context"
	"fmt"
	"net/http"
	"sort"
)

// SlackChannel posts alerts to an incoming webhook as a single colored
// attachment.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     newChannelClient(),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func levelColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	}
	return "#36a64f"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   levelColor(alert.Level),
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "trinity",
			},
		},
	}

	return postJSON(ctx, s.client, s.webhookURL, payload)
}
