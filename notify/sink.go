package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tgshop/onchain-engine/oaeerr"
)

// Notification is the payload handed to a sink. IdempotencyKey is the deposit
// key; a sink that sees it twice may drop the second copy.
type Notification struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	DepositId      uint64          `json:"depositId"`
	Chain          string          `json:"chain"`
	Txid           string          `json:"txid"`
	Vout           uint32          `json:"vout"`
	Address        string          `json:"address"`
	Label          string          `json:"label,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Confirmations  uint64          `json:"confirmations"`
	ConfirmedAt    *time.Time      `json:"confirmedAt,omitempty"`
	Recipients     []string        `json:"recipients"`
}

// Sink is the external notification channel. Subscribers of
// deposit.confirmed on the event bus are served separately.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookSink posts each notification as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return oaeerr.Wrap(oaeerr.Internal, "notify.webhook", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return oaeerr.Wrap(oaeerr.InvalidInput, "notify.webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.IdempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return oaeerr.Wrap(oaeerr.AdapterUnavailable, "notify.webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return oaeerr.Wrap(oaeerr.AdapterRejected, "notify.webhook", err)
	}
	return oaeerr.Wrap(oaeerr.AdapterUnavailable, "notify.webhook", err)
}
