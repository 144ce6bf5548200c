package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config describes the broker topology shared by the publisher and consumer.
type Config struct {
	URL               string `mapstructure:"amqp_url"`
	Exchange          string `mapstructure:"exchange"`
	Kind              string `mapstructure:"kind"`
	CopyJobKey        string `mapstructure:"copy_job_key"`
	CopyCompleteQueue string `mapstructure:"copy_complete_queue"`
	CopyCompleteKey   string `mapstructure:"copy_complete_key"`
	Workers           int    `mapstructure:"workers"`
	MaxTries          uint   `mapstructure:"max_tries"`
}

// DefaultConfig returns the topology used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Exchange:          "recording_exchange",
		Kind:              "direct",
		CopyJobKey:        "recording.copy.request",
		CopyCompleteQueue: "recording_copy_complete_queue",
		CopyCompleteKey:   "recording.copy.complete",
		Workers:           2,
		MaxTries:          5,
	}
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func (c Config) deadLetterExchange() string { return c.Exchange + "_dlx" }
func (c Config) deadLetterQueue() string    { return c.CopyCompleteQueue + "_dlq" }
func (c Config) deadLetterKey() string      { return "dlq." + c.CopyCompleteKey }

// Dial connects to the broker, retrying with exponential backoff. The
// connection is closed when ctx is cancelled.
func Dial(ctx context.Context, url string, maxTries uint) (*amqp.Connection, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "queue").Logger()
	if maxTries == 0 {
		maxTries = 5
	}

	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to broker, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
	if err != nil {
		log.Error().Err(err).Msg("Giving up on broker connection")
		return nil, err
	}
	log.Info().Msg("Connected to broker")

	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error().Err(err).Msg("Failed to close broker connection")
			return
		}
		log.Info().Msg("Broker connection closed")
	}()
	return conn, nil
}
