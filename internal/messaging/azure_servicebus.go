package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/trainers/services/registration/config"
	"example.com/trainers/services/registration/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Publisher publishes committed domain events for downstream consumers
// (notifications, analytics). Publishing is fire-and-forget from the caller's
// perspective; it never gates a transaction.
type Publisher interface {
	PublishAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	Close() error
}

// serviceBusPublisher implements Publisher on Azure Service Bus
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewPublisher creates a new Azure Service Bus publisher
func NewPublisher(cfg config.AzureConfig) (Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// PublishAuditEntry sends an audit entry to the queue
func (p *serviceBusPublisher) PublishAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"kind":     entry.Kind,
			"event_id": entry.EventID.String(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		},
	}

	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus publisher
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if p.client != nil {
		return p.client.Close(context.Background())
	}

	return nil
}
