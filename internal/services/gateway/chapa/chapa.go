package chapa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ticket-marketplace/internal/services/gateway"
	"ticket-marketplace/internal/status"
)

type Config struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// SecretKey authenticates API calls (Bearer token).
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// WebhookSecret signs webhook payloads. Optional; when empty the
	// callback handler skips signature verification.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`

	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Chapa adapts the Chapa hosted-checkout API to the gateway interface.
type Chapa struct {
	webhookSecret string

	client *Client
}

var _ gateway.Gateway = (*Chapa)(nil)

// New returns a new Chapa instance.
func New(cfg *Config) *Chapa {
	return &Chapa{
		webhookSecret: cfg.WebhookSecret,
		client: newClient(&ClientConfig{
			BaseURL:   cfg.BaseURL,
			SecretKey: cfg.SecretKey,
			Timeout:   cfg.Timeout,
		}),
	}
}

func (c *Chapa) Provider() gateway.Provider {
	return gateway.ProviderChapa
}

func (c *Chapa) Initialize(ctx context.Context, req *gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	checkoutURL, err := c.client.initializeTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	return &gateway.InitializeResult{CheckoutURL: checkoutURL}, nil
}

func (c *Chapa) Verify(ctx context.Context, txRef string) (*status.Transaction, error) {
	return c.client.verifyTransaction(ctx, txRef)
}

// VerifySignature reports whether sig is a valid HMAC-SHA256 hex digest of
// body under the configured webhook secret. Returns true when no secret is
// configured.
func (c *Chapa) VerifySignature(body []byte, sig string) bool {
	if c.webhookSecret == "" {
		return true
	}
	return hmac.Equal([]byte(Hmac256(body, []byte(c.webhookSecret))), []byte(sig))
}

// Hmac256 is a function to generate HMAC256 hash.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}
