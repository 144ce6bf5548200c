package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"liveclass/pkg/types"
)

// publishChannel is the part of *amqp.Channel the publisher needs.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends copy jobs to the archive worker. It implements
// interfaces.CopyJobPublisher.
type Publisher struct {
	mu  sync.Mutex
	ch  publishChannel
	cfg Config
	now func() time.Time
}

// NewPublisher opens a channel on conn and declares the exchange.
func NewPublisher(ctx context.Context, conn *amqp.Connection, cfg Config) (*Publisher, error) {
	if conn == nil {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.Kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", cfg.Exchange).Msg("Failed to declare exchange")
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return newPublisher(ch, cfg), nil
}

func newPublisher(ch publishChannel, cfg Config) *Publisher {
	return &Publisher{ch: ch, cfg: cfg, now: time.Now}
}

// PublishCopyJob publishes job as a persistent JSON message.
func (p *Publisher) PublishCopyJob(ctx context.Context, job *types.CopyJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode copy job: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return ErrNotConnected
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.CopyJobKey, false, false, msg); err != nil {
		return fmt.Errorf("publish copy job %s: %w", job.SID, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("component", "queue").
		Str("sid", job.SID).
		Str("acronym", job.Acronym).
		Str("routing_key", p.cfg.CopyJobKey).
		Msg("Copy job published")
	return nil
}

// Close releases the channel. Later publishes fail with ErrNotConnected.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
