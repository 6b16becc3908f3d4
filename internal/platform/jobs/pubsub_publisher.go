package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/herbcart/api/internal/services"
)

// PubSubLedgerPublisher publishes ledger events to a Pub/Sub topic.
type PubSubLedgerPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubLedgerPublisher constructs a Pub/Sub backed ledger event publisher.
func NewPubSubLedgerPublisher(topic *pubsub.Topic) (*PubSubLedgerPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub ledger publisher: topic is required")
	}
	return &PubSubLedgerPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishLedgerEvent enqueues a ledger event message on the configured topic.
func (p *PubSubLedgerPublisher) PublishLedgerEvent(ctx context.Context, message services.LedgerEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub ledger publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal ledger event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", string(message.Type))
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "withdrawalId", message.WithdrawalID)
	setAttr(attrs, "reconciliationId", message.ReconciliationID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish ledger event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
