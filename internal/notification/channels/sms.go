package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-booking/internal/retry"
)

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	Sender     string
}

// SMSSender posts messages to an HTTP SMS gateway.
type SMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

func NewSMSSender(cfg SMSConfig, client *http.Client) *SMSSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSSender{cfg: cfg, client: client}
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// Send is retryable on transport errors, 429 and 5xx; other 4xx are permanent.
func (s *SMSSender) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	if recipient == "" {
		return retry.Permanent(fmt.Errorf("sms recipient is empty"))
	}

	body := Title(template, data)
	if text := Body(data); text != "" {
		body += "\n" + text
	}
	payload, err := json.Marshal(smsRequest{To: recipient, From: s.cfg.Sender, Body: body})
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, detail)
	default:
		return retry.Permanent(fmt.Errorf("sms gateway rejected message (%d): %s", resp.StatusCode, detail))
	}
}
