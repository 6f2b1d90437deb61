package rmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

// Publish fans a broadcast out to every instance. The origin is stamped so
// instances can skip frames they already delivered locally.
func (c *Client) Publish(ctx context.Context, b Broadcast) error {
	b.Origin = c.instanceID

	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	if err := c.channel.PublishWithContext(
		ctx,
		c.exchange,
		"", // fanout ignores routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		logger.Error("rmq_publish_failed", "Failed to publish dispatch broadcast", err)
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}

	return nil
}
