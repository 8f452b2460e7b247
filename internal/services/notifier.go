package services

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go/v7"
)

// PubNubNotifier publishes buyer-facing payment events on the per-user
// channel. Publishing is best effort: a failed publish is logged, never
// propagated, since the payment is already committed by the time we get
// here.
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

type PubNubConfig struct {
	PublishKey   string `json:"publish_key" mapstructure:"publish_key"`
	SubscribeKey string `json:"subscribe_key" mapstructure:"subscribe_key"`
	UUID         string `json:"uuid" mapstructure:"uuid"`
}

func NewPubNubNotifier(cfg *PubNubConfig) *PubNubNotifier {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UUID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey

	return &PubNubNotifier{pn: pubnub.NewPubNub(pnCfg)}
}

var _ Notifier = (*PubNubNotifier)(nil)

func (n *PubNubNotifier) NotifyPaymentSuccess(ctx context.Context, buyerID string, payload map[string]any) {
	channel := fmt.Sprintf("user-%s", buyerID)

	_, _, err := n.pn.Publish().
		Channel(channel).
		Message(payload).
		Execute()
	if err != nil {
		slog.Warn("payment notification publish failed", "channel", channel, "err", err)
	}
}
