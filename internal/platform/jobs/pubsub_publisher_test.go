package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/herbcart/api/internal/services"
)

func TestPubSubLedgerPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "ledger-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubLedgerPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubLedgerPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	msg := services.LedgerEventMessage{
		Type:             services.LedgerEventReconciliationNeeded,
		UserID:           "user-1",
		OrderID:          "order_abc",
		ReconciliationID: "rec_abc",
		Amount:           65300,
		OccurredAt:       occurredAt,
	}

	if _, err := publisher.PublishLedgerEvent(ctx, msg); err != nil {
		t.Fatalf("PublishLedgerEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.LedgerEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Type != msg.Type || payload.ReconciliationID != msg.ReconciliationID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != string(services.LedgerEventReconciliationNeeded) {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["withdrawalId"]; ok {
		t.Fatalf("withdrawalId attribute should not be present when empty")
	}
}
