package rmq

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

// Consume binds an exclusive per-instance queue to the fanout exchange and
// hands every foreign broadcast to the handler. Own frames are skipped, the
// local hub already delivered them.
func (c *Client) Consume(handler func(Broadcast)) error {
	q, err := c.channel.QueueDeclare(
		"", // broker-named, per-instance
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare instance queue: %w", err)
	}

	if err := c.channel.QueueBind(
		q.Name,
		"", // fanout ignores routing key
		c.exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind instance queue: %w", err)
	}

	deliveries, err := c.channel.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		for d := range deliveries {
			var b Broadcast
			if err := json.Unmarshal(d.Body, &b); err != nil {
				logger.Warn("rmq_bad_broadcast", "Failed to unmarshal broadcast",
					zap.Error(err))
				continue
			}
			if b.Origin == c.instanceID {
				continue
			}
			handler(b)
		}
	}()

	logger.Info("rmq_consumer_started", "Consuming dispatch broadcasts",
		zap.String("queue", q.Name))
	return nil
}
