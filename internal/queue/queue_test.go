package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ interfaces.CopyJobPublisher = (*Publisher)(nil)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		panic("copy-complete messages must never be requeued")
	}
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func testConsumer(handler CopyCompleteHandler) *Consumer {
	cfg := DefaultConfig()
	cfg.MaxTries = 3
	c := NewConsumer(nil, cfg, handler)
	c.initialInterval = time.Millisecond
	return c
}

func TestPublisher_PublishCopyJob(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, DefaultConfig())

	job := &types.CopyJob{RecordDate: "2024-06-03", Acronym: "ABC", SID: "sid-1", Token: "tok"}
	if err := p.PublishCopyJob(context.Background(), job); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("published %d messages", len(ch.published))
	}
	msg := ch.published[0]
	if ch.keys[0] != "recording_exchange/recording.copy.request" {
		t.Errorf("routed to %s", ch.keys[0])
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId == "" {
		t.Errorf("message properties = %+v", msg)
	}
	var got map[string]string
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got["RecordDate"] != "2024-06-03" || got["Acronym"] != "ABC" || got["SID"] != "sid-1" || got["Token"] != "tok" {
		t.Errorf("body = %v", got)
	}
}

func TestPublisher_Errors(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := newPublisher(ch, DefaultConfig())
	ctx := context.Background()

	if err := p.PublishCopyJob(ctx, &types.CopyJob{SID: "s"}); err == nil {
		t.Error("publish error swallowed")
	}
	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("close = %v", err)
	}
	if err := p.PublishCopyJob(ctx, &types.CopyJob{SID: "s"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish after close = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestNewPublisher_NilConnection(t *testing.T) {
	if _, err := NewPublisher(context.Background(), nil, DefaultConfig()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConsumer_AcksHandledMessages(t *testing.T) {
	var mu sync.Mutex
	var seen []types.CopyComplete
	c := testConsumer(func(ctx context.Context, n *types.CopyComplete) error {
		mu.Lock()
		seen = append(seen, *n)
		mu.Unlock()
		return nil
	})
	ack := &fakeAcknowledger{}

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- delivery(ack, 1, `{"sid":"a","acronym":"ABC","isEmpty":false}`)
	deliveries <- delivery(ack, 2, `{"sid":"b","acronym":"ABC","isEmpty":true}`)
	close(deliveries)

	if err := c.run(context.Background(), deliveries); err != nil {
		t.Fatalf("run returned %v", err)
	}
	acked, nacked := ack.counts()
	if acked != 2 || nacked != 0 {
		t.Errorf("acked=%d nacked=%d", acked, nacked)
	}
	if len(seen) != 2 {
		t.Fatalf("handled %d notices", len(seen))
	}
	for _, n := range seen {
		if n.SID == "b" && !n.IsEmpty {
			t.Error("isEmpty not decoded")
		}
	}
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	c := testConsumer(func(ctx context.Context, n *types.CopyComplete) error {
		mu.Lock()
		defer mu.Unlock()
		calls[n.SID]++
		if n.SID == "flaky" && calls[n.SID] < 2 {
			return errors.New("transient")
		}
		if n.SID == "broken" {
			return errors.New("permanent")
		}
		return nil
	})
	ack := &fakeAcknowledger{}

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- delivery(ack, 1, `{"sid":"flaky"}`)
	deliveries <- delivery(ack, 2, `{"sid":"broken"}`)
	deliveries <- delivery(ack, 3, `not json`)
	close(deliveries)

	if err := c.run(context.Background(), deliveries); err != nil {
		t.Fatalf("run returned %v", err)
	}
	acked, nacked := ack.counts()
	if acked != 1 || nacked != 2 {
		t.Errorf("acked=%d nacked=%d", acked, nacked)
	}
	if calls["flaky"] != 2 || calls["broken"] != 3 {
		t.Errorf("calls = %v", calls)
	}
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	c := testConsumer(func(ctx context.Context, n *types.CopyComplete) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp.Delivery)

	done := make(chan error, 1)
	go func() { done <- c.run(ctx, deliveries) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_RequiresConnection(t *testing.T) {
	c := NewConsumer(nil, Config{}, nil)
	if c.cfg.Workers != 1 || c.cfg.MaxTries != 5 {
		t.Errorf("defaults not applied: %+v", c.cfg)
	}
	if err := c.Consume(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConfig_Topology(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled() {
		t.Error("config without url should be disabled")
	}
	if cfg.deadLetterExchange() != "recording_exchange_dlx" ||
		cfg.deadLetterQueue() != "recording_copy_complete_queue_dlq" ||
		cfg.deadLetterKey() != "dlq.recording.copy.complete" {
		t.Error("dead-letter names changed")
	}
}
