package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxSlackErrorBody = 256

type (
	// SlackNotifier posts notifications to a Slack incoming webhook.
	SlackNotifier struct {
		webhookURL string
		client     *http.Client
	}

	slackMessage struct {
		Text   string       `json:"text"`
		Blocks []slackBlock `json:"blocks,omitempty"`
	}

	slackBlock struct {
		Type   string      `json:"type"`
		Text   *slackText  `json:"text,omitempty"`
		Fields []slackText `json:"fields,omitempty"`
	}

	slackText struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

// NewSlackNotifier creates a notifier for webhookURL. A nil client uses http.DefaultClient;
// deliveries are bounded by the caller context.
func NewSlackNotifier(webhookURL string, client *http.Client) (*SlackNotifier, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return nil, ErrSlackWebhookEmpty
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &SlackNotifier{webhookURL: webhookURL, client: client}, nil
}

// Notify implements Notifier. Any non-2xx response is a failed delivery.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) Delivery {
	body, err := json.Marshal(slackPayload(n))
	if err != nil {
		return Failed(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return Failed(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Failed(fmt.Errorf("send request: %w", err))
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxSlackErrorBody))

		return Failed(fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	return Delivered()
}

// Name implements Notifier.
func (s *SlackNotifier) Name() string {
	return "slack"
}

func slackPayload(n Notification) slackMessage {
	return slackMessage{
		Text: n.Summary,
		Blocks: []slackBlock{
			{
				Type: "section",
				Text: &slackText{Type: "mrkdwn", Text: "*" + n.Summary + "*"},
			},
			{
				Type: "section",
				Fields: []slackText{
					{Type: "mrkdwn", Text: "*Tenant*\n" + n.Tenant},
					{Type: "mrkdwn", Text: "*Query*\n" + n.Query},
					{Type: "mrkdwn", Text: "*Record*\n`" + n.ExternalID + "`"},
					{Type: "mrkdwn", Text: "*Generated*\n" + n.TimeGenerated.UTC().Format("2006-01-02 15:04:05Z")},
				},
			},
		},
	}
}
