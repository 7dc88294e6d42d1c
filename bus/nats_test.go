package bus

import (
	"context"
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// --- Integration Tests ---

func TestNATSBus_DispatchSubject(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, err := bus.Subscribe("bot-notifications:alpha_bot")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("bot-notifications:alpha_bot", []byte(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != `{"chat_id":1}` {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_WildcardHeartbeat(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("heartbeat.*")
	defer sub.Unsubscribe()

	bus.Publish("heartbeat.alpha_bot", []byte("beat"))

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "heartbeat.alpha_bot" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for heartbeat")
	}
}

func TestNATSBus_Request(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("provision.conversation")
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				bus.Publish(msg.Reply, []byte(`{"text":"Alright, a new bot."}`))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := bus.Request(ctx, "provision.conversation", []byte("{}"))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != `{"text":"Alright, a new bot."}` {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestNATSBus_RequestNoResponder(t *testing.T) {
	bus := newTestNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "test.noresponder", []byte("ping"))
	if err != ErrTimeout && err != ErrNoResponders {
		t.Errorf("expected timeout/no responders error, got %v", err)
	}
}

// --- Failure Tests ---

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://invalid-host-that-does-not-exist:4222"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	bus := newTestNATSBus(t)
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
