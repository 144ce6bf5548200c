package cache

import (
	"context"
	"testing"
	"time"
)

type busMessage struct {
	topic   string
	payload string
}

func TestBus_PublishReachesSubscribers(t *testing.T) {
	r, mr := newTestRedis(t, DefaultTTL)
	publisher := r.Bus("tog_sess_sio")
	subscriber := r.Bus("tog_sess_sio")
	other := r.Bus("other_sio")

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan busMessage, 4)
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Subscribe(ctx, func(topic string, payload []byte) {
			got <- busMessage{topic, string(payload)}
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumPat() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := other.Publish(ctx, "ABC", []byte("ignored")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := publisher.Publish(ctx, "ABC", []byte(`{"origin":"p1"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg.topic != "ABC" || msg.payload != `{"origin":"p1"}` {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Subscribe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	if len(got) != 0 {
		t.Errorf("foreign prefix delivered: %+v", <-got)
	}
}

func TestBus_SubscribeFailsWhenServerIsGone(t *testing.T) {
	r, mr := newTestRedis(t, DefaultTTL)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Bus("tog_sess_sio").Subscribe(ctx, func(string, []byte) {}); err == nil {
		t.Fatal("expected subscribe error")
	}
	if err := r.Bus("tog_sess_sio").Publish(ctx, "ABC", nil); err == nil {
		t.Error("expected publish error")
	}
}
