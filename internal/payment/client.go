// Package payment talks to the external payment provider that creates
// customers and pays out PIX cashouts.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"panelsync.org/internal/money"
)

var ErrNotConfigured = errors.New("payment: provider not configured")

// APIError is any response the provider did not accept. Body is kept verbatim
// so it can be stored on the payout.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment: provider responded %d: %s", e.StatusCode, truncate(e.Body, 256))
}

type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone_number,omitempty"`
	Document string `json:"document"`
}

type Cashout struct {
	Amount      money.Cents `json:"amount"`
	PixKey      string      `json:"pix_key"`
	CustomerID  string      `json:"customer_id"`
	Description string      `json:"description,omitempty"`
}

// CashoutResult carries the provider transaction id and the raw response.
type CashoutResult struct {
	TransactionID string
	Raw           string
}

type envelope struct {
	Success bool `json:"success"`
	Data    struct {
		ID            string `json:"id"`
		TransactionID string `json:"transaction_id"`
	} `json:"data"`
}

type Client struct {
	http *resty.Client
}

// NewClient builds a client for baseURL. An empty baseURL is rejected.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNotConfigured
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}, nil
}

// CreateCustomer registers the receiver and returns the provider customer id.
func (c *Client) CreateCustomer(ctx context.Context, cu Customer) (string, error) {
	env, _, err := c.post(ctx, "/v1/customers", cu)
	if err != nil {
		return "", err
	}
	if env.Data.ID == "" {
		return "", &APIError{StatusCode: 200, Body: "customer id missing"}
	}
	return env.Data.ID, nil
}

// InitiateCashout requests a PIX transfer. No retries; a failed call must be
// reviewed before it is attempted again.
func (c *Client) InitiateCashout(ctx context.Context, co Cashout) (CashoutResult, error) {
	env, raw, err := c.post(ctx, "/v1/pix/cashout", co)
	if err != nil {
		return CashoutResult{Raw: raw}, err
	}
	if env.Data.TransactionID == "" {
		return CashoutResult{Raw: raw}, &APIError{StatusCode: 200, Body: raw}
	}
	return CashoutResult{TransactionID: env.Data.TransactionID, Raw: raw}, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (envelope, string, error) {
	var env envelope
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return env, "", fmt.Errorf("payment: POST %s: %w", path, err)
	}
	raw := string(resp.Body())
	if !resp.IsSuccess() {
		return env, raw, &APIError{StatusCode: resp.StatusCode(), Body: raw}
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil || !env.Success {
		return env, raw, &APIError{StatusCode: resp.StatusCode(), Body: raw}
	}
	return env, raw, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Disabled stands in when no provider is configured; every call fails with
// ErrNotConfigured so payouts end up failed instead of stuck.
type Disabled struct{}

func (Disabled) CreateCustomer(context.Context, Customer) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) InitiateCashout(context.Context, Cashout) (CashoutResult, error) {
	return CashoutResult{}, ErrNotConfigured
}
