package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"liveclass/pkg/types"
)

// CopyCompleteHandler applies one copy-complete notice.
type CopyCompleteHandler func(ctx context.Context, c *types.CopyComplete) error

// Consumer drains the copy-complete queue with a fixed worker pool. Messages
// that still fail after MaxTries are dead-lettered.
type Consumer struct {
	conn    *amqp.Connection
	cfg     Config
	handler CopyCompleteHandler

	initialInterval time.Duration
}

// NewConsumer builds a consumer; at least one worker always runs.
func NewConsumer(conn *amqp.Connection, cfg Config, handler CopyCompleteHandler) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	return &Consumer{
		conn:            conn,
		cfg:             cfg,
		handler:         handler,
		initialInterval: backoff.DefaultInitialInterval,
	}
}

// Consume declares the topology and processes deliveries until ctx is done
// or the broker closes the channel.
func (c *Consumer) Consume(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("component", "queue").Str("queue", c.cfg.CopyCompleteQueue).Logger()
	if c.conn == nil {
		return ErrNotConnected
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := c.declare(ch); err != nil {
		log.Error().Err(err).Msg("Failed to declare copy-complete topology")
		return err
	}
	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.CopyCompleteQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.CopyCompleteQueue, err)
	}

	log.Info().
		Str("exchange", c.cfg.Exchange).
		Str("routing_key", c.cfg.CopyCompleteKey).
		Int("workers", c.cfg.Workers).
		Msg("Copy-complete consumer started")
	return c.run(ctx, deliveries)
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	dlx := c.cfg.deadLetterExchange()
	if err := ch.ExchangeDeclare(c.cfg.Exchange, c.cfg.Kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, c.cfg.Kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	dlq, err := ch.QueueDeclare(c.cfg.deadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.deadLetterQueue(), err)
	}
	if err := ch.QueueBind(dlq.Name, c.cfg.deadLetterKey(), dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq.Name, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": c.cfg.deadLetterKey(),
	}
	q, err := ch.QueueDeclare(c.cfg.CopyCompleteQueue, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.CopyCompleteQueue, err)
	}
	if err := ch.QueueBind(q.Name, c.cfg.CopyCompleteKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	return nil
}

// run fans deliveries out to the worker pool and waits for in-flight
// messages before returning.
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	jobs := make(chan amqp.Delivery, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := 1; i <= c.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for msg := range jobs {
				c.handle(ctx, workerID, msg)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, msg amqp.Delivery) {
	log := zerolog.Ctx(ctx).With().Str("component", "queue").Int("worker_id", workerID).Str("message_id", msg.MessageId).Logger()

	var notice types.CopyComplete
	if err := json.Unmarshal(msg.Body, &notice); err != nil {
		log.Error().Err(err).Msg("Undecodable copy-complete message, dead-lettering")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Msg("Failed to nack message")
		}
		return
	}

	operation := func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, &notice)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = 10 * time.Second

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(c.cfg.MaxTries)); err != nil {
		log.Error().Err(err).Str("sid", notice.SID).Msg("Copy-complete failed after all retries")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Msg("Failed to nack message to dead-letter queue")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		log.Error().Err(ackErr).Msg("Failed to acknowledge message")
	}
}
