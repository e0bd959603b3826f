package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(opts ...Option) *Bus {
	opts = append([]Option{WithPublishTimeout(100 * time.Millisecond)}, opts...)
	return New(discardLogger(), opts...)
}

func TestPublish_FanOut(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	subA, err := b.Subscribe("alerts")
	if err != nil {
		t.Fatal(err)
	}
	subB, err := b.Subscribe("alerts")
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage("alerts", KindEvent, "tester", map[string]any{"n": 1})
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case got := <-sub.C():
			if got.ID != msg.ID {
				t.Fatalf("Expected message %s, got %s", msg.ID, got.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("Expected both subscribers to receive the message")
		}
	}
}

func TestPublish_PerTopicFIFO(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub, err := b.Subscribe("orders", WithQueueDepth(128))
	if err != nil {
		t.Fatal(err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		msg := NewMessage("orders", KindEvent, "tester", map[string]any{"seq": i})
		if err := b.Publish(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-sub.C():
			if got.Payload["seq"] != i {
				t.Fatalf("Expected seq %d, got %v", i, got.Payload["seq"])
			}
		case <-time.After(time.Second):
			t.Fatalf("Expected message %d", i)
		}
	}
}

func TestPublish_TelemetryDropsOldest(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub, err := b.Subscribe(TopicTelemetryGreenhouse, WithQueueDepth(2))
	if err != nil {
		t.Fatal(err)
	}

	// Queue depth 2, publish 5 without consuming: oldest three shed.
	for i := 0; i < 5; i++ {
		msg := NewMessage(TopicTelemetryGreenhouse, KindEvent, "twin", map[string]any{"seq": i})
		if err := b.Publish(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}

	got := (<-sub.C()).Payload["seq"]
	if got != 3 {
		t.Fatalf("Expected oldest surviving message to be seq 3, got %v", got)
	}
	got = (<-sub.C()).Payload["seq"]
	if got != 4 {
		t.Fatalf("Expected seq 4, got %v", got)
	}
}

func TestPublish_SlowSubscriberDoesNotWedge(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	if _, err := b.Subscribe("control", WithQueueDepth(1)); err != nil {
		t.Fatal(err)
	}

	// Second publish fills the queue; third must return after the
	// publish timeout instead of blocking forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			msg := NewMessage("control", KindEvent, "tester", nil)
			b.Publish(context.Background(), msg)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected publish to drop after timeout, not block")
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	inbox, err := b.Subscribe(InboxTopic("worker-1"), WithOwner("worker-1"))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		req := <-inbox.C()
		b.Respond(req, "worker-1", map[string]any{"echo": req.Payload["ask"]})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := b.Request(ctx, "tester", "worker-1", map[string]any{"ask": "ping"})
	if err != nil {
		t.Fatalf("Expected response, got %v", err)
	}
	if resp.Payload["echo"] != "ping" {
		t.Fatalf("Expected echo ping, got %v", resp.Payload["echo"])
	}
	if resp.Kind != KindResponse {
		t.Fatalf("Expected response kind, got %s", resp.Kind)
	}
}

func TestRequest_NoRecipient(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	_, err := b.Request(context.Background(), "tester", "ghost", nil)
	if !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("Expected ErrNoRecipient, got %v", err)
	}
}

func TestRequest_TimeoutAndLateResponse(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	inbox, err := b.Subscribe(InboxTopic("slow-1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, "tester", "slow-1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}

	// The late response must be discarded without panicking.
	req := <-inbox.C()
	b.Respond(req, "slow-1", map[string]any{"too": "late"})
}

func TestBroadcast_CapabilityFilter(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	coder, err := b.Subscribe(TopicBroadcast, WithCapabilities("write_code"))
	if err != nil {
		t.Fatal(err)
	}
	docs, err := b.Subscribe(TopicBroadcast, WithCapabilities("write_docs"))
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Broadcast(context.Background(), "tester", "write_code", map[string]any{"task": "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-coder.C():
	case <-time.After(time.Second):
		t.Fatal("Expected capable subscriber to receive broadcast")
	}
	select {
	case <-docs.C():
		t.Fatal("Expected non-matching subscriber to be skipped")
	case <-time.After(50 * time.Millisecond):
	}

	// Empty capability reaches everyone.
	if err := b.Broadcast(context.Background(), "tester", "", nil); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []*Subscription{coder, docs} {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatal("Expected unfiltered broadcast to reach all")
		}
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub, err := b.Subscribe("alerts")
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Fatal("Expected channel to be closed after unsubscribe")
	}
	if n := b.SubscriberCount("alerts"); n != 0 {
		t.Fatalf("Expected 0 subscribers, got %d", n)
	}

	// Publishing to a topic with no subscribers is not an error.
	if err := b.Publish(context.Background(), NewMessage("alerts", KindEvent, "t", nil)); err != nil {
		t.Fatal(err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := newTestBus()
	sub, err := b.Subscribe("x")
	if err != nil {
		t.Fatal(err)
	}

	b.Close()
	b.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("Expected subscription channel closed on bus close")
	}
	if _, err := b.Subscribe("y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := b.Publish(context.Background(), NewMessage("x", KindEvent, "t", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestPublish_ConcurrentProducers(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub, err := b.Subscribe("load", WithQueueDepth(1024))
	if err != nil {
		t.Fatal(err)
	}

	const producers, perProducer = 8, 50
	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				msg := NewMessage("load", KindEvent, fmt.Sprintf("p%d", p), map[string]any{"i": i})
				b.Publish(context.Background(), msg)
			}
		}(p)
	}

	received := 0
	timeout := time.After(5 * time.Second)
	for received < producers*perProducer {
		select {
		case <-sub.C():
			received++
		case <-timeout:
			t.Fatalf("Expected %d messages, got %d", producers*perProducer, received)
		}
	}
}
