package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docvaulthq/DocVault/internal/pkg/env"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	defaultPrefetch      = 8
)

// Consumer reads wallet payment confirmations from a durable RabbitMQ queue
// and feeds them through the gateway. Messages are acked only after the
// confirmation was processed; unknown references are acked as well because
// redelivering them can never succeed (the stale-pending sweep owns those).
type Consumer struct {
	gateway *Gateway
	queue   string
	dsn     string

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a wallet confirmation consumer from environment config.
func NewConsumer(gateway *Gateway) (*Consumer, error) {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%s/",
		env.GetEnv("AMQP_USER", "guest"),
		env.GetEnv("AMQP_PASSWORD", "guest"),
		env.GetEnv("AMQP_HOST", "localhost"),
		env.GetEnv("AMQP_PORT", "5672"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		gateway: gateway,
		queue:   env.GetEnv("AMQP_WALLET_QUEUE", "wallet_confirmations"),
		dsn:     dsn,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.dsn)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(defaultPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	log.Infof("[Payment] connected to RabbitMQ queue %s", c.queue)

	go c.monitorConnection()
	return nil
}

func (c *Consumer) monitorConnection() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error))

	select {
	case err := <-notifyClose:
		if err != nil {
			log.Errorf("[Payment] RabbitMQ connection closed unexpectedly: %v", err)
			c.reconnect()
		}
	case <-c.ctx.Done():
		return
	}
}

func (c *Consumer) reconnect() {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		log.Infof("[Payment] attempting to reconnect to RabbitMQ (attempt %d)", attempt)

		if err := c.connect(); err == nil {
			log.Infof("[Payment] successfully reconnected to RabbitMQ")
			go func() {
				if err := c.Start(); err != nil && c.ctx.Err() == nil {
					log.Errorf("[Payment] failed to restart consumer after reconnect: %v", err)
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		log.Warnf("[Payment] reconnection attempt %d failed, retrying in %v", attempt, delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	log.Errorf("[Payment] giving up reconnecting to RabbitMQ after %d attempts", maxReconnectAttempts)
}

// Start begins consuming wallet confirmations until Stop is called.
func (c *Consumer) Start() error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return errors.New("consumer not connected")
	}

	deliveries, err := ch.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handleDelivery(d)
			}
		}
	}()
	return nil
}

func (c *Consumer) handleDelivery(d amqp.Delivery) {
	conf, err := ParseConfirmation(d.Body)
	if err != nil {
		log.Warnf("[Payment] dropping malformed wallet message: %v", err)
		_ = d.Nack(false, false) // no requeue, the payload will never parse
		return
	}
	if conf.Provider == "" {
		conf.Provider = "wallet"
	}

	_, err = c.gateway.ProcessConfirmation(c.ctx, conf, d.Body, true)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ledger.ErrEntryNotFound):
		// Unknown or already swept reference: redelivery cannot help.
		log.Warnf("[Payment] wallet confirmation for unknown transaction %s", conf.TransactionRef)
		_ = d.Ack(false)
	default:
		log.Errorf("[Payment] wallet confirmation %s failed, requeueing: %v", conf.TransactionRef, err)
		_ = d.Nack(false, true)
	}
}

// Stop shuts the consumer down and waits for in-flight deliveries.
func (c *Consumer) Stop() {
	c.cancel()

	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}
