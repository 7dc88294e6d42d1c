package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"heartbeat.alpha", false},
		{"bot-notifications:alpha_bot", false},
		{"heartbeat.*", false},
		{"provision.>", false},
		{"", true},
		{"a..b", true},
		{".a", true},
		{"a b", true},
		{"a.>.b", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"heartbeat.a", "heartbeat.a", true},
		{"heartbeat.*", "heartbeat.a", true},
		{"heartbeat.*", "heartbeat.a.b", false},
		{"heartbeat.*", "heartbeat", false},
		{"heartbeat.>", "heartbeat.a.b", true},
		{"heartbeat.>", "heartbeat", false},
		{"bot-notifications:a", "bot-notifications:b", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_PublishRejectsWildcard(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("heartbeat.*", nil); err != ErrInvalidSubject {
		t.Errorf("Publish(wildcard) = %v, want ErrInvalidSubject", err)
	}
	if bus.Published() != 0 {
		t.Error("rejected publish should not count")
	}
}

func TestMemoryBus_PubSub(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	exact, _ := bus.Subscribe("bot-notifications:alpha")
	other, _ := bus.Subscribe("bot-notifications:beta")

	if err := bus.Publish("bot-notifications:alpha", []byte("hi")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-exact.Messages():
		if string(msg.Data) != "hi" {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	select {
	case <-other.Messages():
		t.Error("non-matching subscriber received message")
	default:
	}

	if bus.Published() != 1 {
		t.Errorf("Published() = %d, want 1", bus.Published())
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("heartbeat.*")
	bus.Publish("heartbeat.a", []byte("1"))
	bus.Publish("heartbeat.b", []byte("2"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			got[msg.Subject] = true
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	if !got["heartbeat.a"] || !got["heartbeat.b"] {
		t.Errorf("got %v", got)
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("provision.conversation")
	go func() {
		for msg := range sub.Messages() {
			bus.Publish(msg.Reply, append([]byte("re:"), msg.Data...))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := bus.Request(ctx, "provision.conversation", []byte("ping"))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "re:ping" {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	_, err := bus.Request(context.Background(), "nobody.home", nil)
	if err != ErrNoResponders {
		t.Errorf("err = %v, want ErrNoResponders", err)
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("silent")
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := bus.Request(ctx, "silent", nil); err != ErrTimeout {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("x")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Error("second Unsubscribe should be a no-op")
	}
	bus.Publish("x", nil)
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("x")
	bus.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after Close")
	}
	if err := bus.Publish("x", nil); err != ErrClosed {
		t.Errorf("Publish after Close = %v", err)
	}
	if _, err := bus.Subscribe("x"); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v", err)
	}
	sub.Unsubscribe()
}

func TestMemoryBus_ConcurrentPublish(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1000})
	defer bus.Close()

	sub, _ := bus.Subscribe("load")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("load", nil)
			}
		}()
	}
	wg.Wait()

	if len(sub.Messages()) != 500 {
		t.Errorf("buffered = %d, want 500", len(sub.Messages()))
	}
}
