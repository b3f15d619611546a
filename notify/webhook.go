package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amartya2002/pagewatch/watch"
)

const telegramAPI = "https://api.telegram.org"

func defaultClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlack(webhookURL string) (*Slack, error) {
	if webhookURL == "" {
		return nil, errors.New("slack webhook_url is required")
	}
	return &Slack{WebhookURL: webhookURL, Client: defaultClient()}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, msg watch.Message) error {
	text := fmt.Sprintf("*%s*\n\n%s", msg.Subject, msg.Body)
	return postJSON(ctx, s.Client, s.WebhookURL, map[string]interface{}{"text": text}, "slack webhook")
}

// Telegram sends alerts through the Bot API.
type Telegram struct {
	Token  string
	ChatID string
	// BaseURL defaults to the public Bot API.
	BaseURL string
	Client  *http.Client
}

func NewTelegram(token, chatID string) (*Telegram, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("telegram token and chat_id are required")
	}
	return &Telegram{Token: token, ChatID: chatID, BaseURL: telegramAPI, Client: defaultClient()}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg watch.Message) error {
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = telegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.Token)
	payload := map[string]interface{}{
		"chat_id": t.ChatID,
		"text":    msg.Subject + "\n\n" + msg.Body,
	}
	return postJSON(ctx, t.Client, url, payload, "telegram API")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, what string) error {
	if client == nil {
		client = defaultClient()
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", what, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}
