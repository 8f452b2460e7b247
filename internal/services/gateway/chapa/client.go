package chapa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/services/gateway"
	"ticket-marketplace/internal/status"
)

const maxResponseBytes = 1 << 16

type ClientConfig struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	SecretKey string        `json:"secret_key" mapstructure:"secret_key"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

type Client struct {
	// baseURL is the base url of the Chapa backend.
	baseURL string

	// secretKey authenticates every request.
	secretKey string

	// hc is the http client.
	hc *http.Client
}

// newClient creates new instance of the Chapa API client.
func newClient(c *ClientConfig) *Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:   c.BaseURL,
		secretKey: c.SecretKey,

		// set http client with timeout.
		hc: &http.Client{
			Timeout: timeout,
		},
	}
}

type (
	payload struct {
		TxRef     string          `json:"tx_ref"`
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    decimal.Decimal `json:"amount"`
		Currency  string          `json:"currency"`
		CreatedAt string          `json:"created_at"`
	}
)

func (p *payload) ToDomain() *status.Transaction {
	outcome := status.OutcomeFailed
	switch p.Status {
	case "success":
		outcome = status.OutcomeSuccess
	case "pending":
		outcome = status.OutcomePending
	}

	// created_at carries fractional seconds; time.Parse accepts them with
	// the plain RFC3339 layout.
	ts, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		ts = time.Time{}
	}

	return &status.Transaction{
		TxRef:      p.TxRef,
		GatewayRef: p.Reference,
		Outcome:    outcome,
		Amount:     p.Amount,
		Currency:   p.Currency,
		ChargedAt:  ts,
	}
}

// initializeTransaction opens a hosted checkout session on the Chapa
// backend and returns the checkout URL the buyer is redirected to.
func (c *Client) initializeTransaction(ctx context.Context, f *gateway.InitializeRequest) (string, error) {
	body, err := json.Marshal(map[string]string{
		"amount":       f.Amount.String(),
		"currency":     f.Currency,
		"email":        f.Email,
		"first_name":   f.FirstName,
		"last_name":    f.LastName,
		"phone_number": f.Phone,
		"tx_ref":       f.TxRef,
		"callback_url": f.CallbackURL,
		"return_url":   f.ReturnURL,
	})
	if err != nil {
		return "", fmt.Errorf("initializeTransaction: json.Marshal: %w", err)
	}

	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", _baseURL.String(), "/v1/transaction/initialize"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("initializeTransaction: http.NewReq: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.secretKey))

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("initializeTransaction: http.Do: %w: %v", status.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("initializeTransaction: resp.StatusCode: %d: %w", resp.StatusCode, status.ErrGatewayUnavailable)
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			CheckoutURL string `json:"checkout_url"`
		} `json:"data"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("initializeTransaction: json.Decode: %w: %v", status.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK || reply.Status != "success" {
		return "", fmt.Errorf("initializeTransaction: reply.Status: %v, reply.Message: %v: %w", reply.Status, reply.Message, status.ErrGatewayRejected)
	}

	return reply.Data.CheckoutURL, nil
}

// verifyTransaction queries the authoritative transaction state from the
// Chapa backend. Read-only; a pending or failed payment comes back as an
// Outcome, not an error.
func (c *Client) verifyTransaction(ctx context.Context, txRef string) (*status.Transaction, error) {
	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/transaction/verify/%s", _baseURL.String(), url.PathEscape(txRef)), nil)
	if err != nil {
		return nil, fmt.Errorf("verifyTransaction: http.NewReq: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.secretKey))

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifyTransaction: http.Do: %w: %v", status.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("verifyTransaction: resp.StatusCode: %d: %w", resp.StatusCode, status.ErrGatewayUnavailable)
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			payload
		} `json:"data"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("verifyTransaction: json.Decode: %w: %v", status.ErrGatewayUnavailable, err)
	}

	// A 4xx with a failed status is an explicit verdict for this tx_ref
	// (unknown or declined), not a transport problem.
	if resp.StatusCode != http.StatusOK || reply.Status != "success" {
		return &status.Transaction{TxRef: txRef, Outcome: status.OutcomeFailed}, nil
	}

	tran := reply.Data.payload.ToDomain()
	if tran.TxRef == "" {
		tran.TxRef = txRef
	}
	return tran, nil
}
