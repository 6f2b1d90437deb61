package rmq

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

// DefaultExchange carries dispatch frames between service instances.
const DefaultExchange = "dispatch_fanout"

// Broadcast is one frame travelling between instances. Frame is the exact
// websocket payload the receiving hub delivers; targeting decides who gets
// it there.
type Broadcast struct {
	Origin       string          `json:"origin"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	TargetRole   string          `json:"target_role,omitempty"`
	Frame        json.RawMessage `json:"frame"`
}

// Client publishes and consumes dispatch broadcasts on a fanout exchange.
// Every instance sees every frame and delivers to its own local sessions.
type Client struct {
	channel    *amqp.Channel
	exchange   string
	instanceID string
}

func NewClient(channel *amqp.Channel, exchange, instanceID string) (*Client, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	if err := channel.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.Info("rmq_exchange_declared", "Dispatch fanout exchange ready")
	return &Client{channel: channel, exchange: exchange, instanceID: instanceID}, nil
}

func (c *Client) InstanceID() string {
	return c.instanceID
}
