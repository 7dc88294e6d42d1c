package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/botfleet/backend"
	"github.com/vinayprograms/botfleet/botapi"
	"github.com/vinayprograms/botfleet/bus"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/state"
)

type fakeMessenger struct {
	mu      sync.Mutex
	calls   []string
	sent    []botapi.SendMessageRequest
	photos  []botapi.SendPhotoRequest
	editErr error
	sendErr error
}

func (f *fakeMessenger) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMessenger) SendMessage(ctx context.Context, req botapi.SendMessageRequest) (botapi.Message, error) {
	f.record("send")
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	return botapi.Message{MessageID: 1}, f.sendErr
}

func (f *fakeMessenger) SendPhoto(ctx context.Context, req botapi.SendPhotoRequest) (botapi.Message, error) {
	f.record("photo")
	f.mu.Lock()
	f.photos = append(f.photos, req)
	f.mu.Unlock()
	return botapi.Message{MessageID: 2}, f.sendErr
}

func (f *fakeMessenger) EditMessageText(ctx context.Context, req botapi.EditMessageTextRequest) error {
	f.record("edit")
	return f.editErr
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	f.record("delete")
	return nil
}

func (f *fakeMessenger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errBlocked = &botapi.APIError{StatusCode: 403, ErrorCode: 403, Description: "Forbidden: bot was blocked by the user"}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(&strings.Builder{})
	return l
}

// --- Unit Tests ---

func TestSubject(t *testing.T) {
	if got := Subject("shopA"); got != "bot-notifications:shopA" {
		t.Errorf("Subject = %q", got)
	}
}

func TestMessage_Action(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want Action
	}{
		{"send", Message{Text: "hi"}, ActionSend},
		{"photo", Message{ImageRef: "https://x/y.png"}, ActionSend},
		{"edit beats send", Message{Text: "hi", MessageIDToEdit: 5}, ActionEdit},
		{"delete beats edit", Message{Text: "hi", MessageIDToEdit: 5, MessageIDToDelete: 6}, ActionDelete},
		{"none", Message{WorkflowState: "x"}, ActionNone},
	}
	for _, tt := range tests {
		if got := tt.msg.Action(); got != tt.want {
			t.Errorf("%s: Action = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"valid send", Message{TargetIdentity: "shopA", ChatID: 42, Text: "hi"}, true},
		{"valid workflow only", Message{TargetIdentity: "shopA", ChatID: 42, WorkflowState: "menu"}, true},
		{"valid delete", Message{TargetIdentity: "shopA", ChatID: 42, MessageIDToDelete: 3}, true},
		{"missing identity", Message{ChatID: 42, Text: "hi"}, false},
		{"identity with dot", Message{TargetIdentity: "shop.A", ChatID: 42, Text: "hi"}, false},
		{"missing chat", Message{TargetIdentity: "shopA", Text: "hi"}, false},
		{"no action", Message{TargetIdentity: "shopA", ChatID: 42}, false},
		{"edit without text", Message{TargetIdentity: "shopA", ChatID: 42, MessageIDToEdit: 3}, false},
		{"button without text", Message{TargetIdentity: "shopA", ChatID: 42, Text: "hi", Keyboard: [][]Button{{{URL: "u"}}}}, false},
	}
	for _, tt := range tests {
		err := tt.msg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !ferrors.Is(err, ferrors.ErrCodeRelayMalformed) {
			t.Errorf("%s: code = %s, want RELAY_MALFORMED_REQUEST", tt.name, ferrors.Code(err))
		}
	}
}

func TestMessage_ReplyMarkup(t *testing.T) {
	if (Message{}).ReplyMarkup() != nil {
		t.Error("empty keyboard should give nil markup")
	}
	m := Message{Keyboard: [][]Button{{{Text: "Buy", CallbackData: "buy:1"}, {Text: "Site", URL: "https://x"}}}}
	rm := m.ReplyMarkup()
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 || rm.InlineKeyboard[0][0].CallbackData != "buy:1" {
		t.Errorf("markup = %+v", rm)
	}
}

func TestMessage_WireNames(t *testing.T) {
	data, _ := json.Marshal(Message{
		TargetIdentity: "shopA", ChatID: 42, MessageIDToEdit: 1, MessageIDToDelete: 2,
		WorkflowState: "s", WorkflowData: map[string]any{"k": "v"}, ImageRef: "img",
	})
	for _, key := range []string{"target_identity", "chat_id", "message_id_to_edit", "message_id_to_delete", "workflow_state_to_set", "workflow_state_data", "image_ref"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("encoded message missing %s: %s", key, data)
		}
	}
}

func TestConsumer_ExactlyOnePrimaryAction(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{ChatID: 1, Text: "hi"}, "send"},
		{Message{ChatID: 1, Text: "hi", ImageRef: "img"}, "photo"},
		{Message{ChatID: 1, Text: "hi", MessageIDToEdit: 3}, "edit"},
		{Message{ChatID: 1, Text: "hi", MessageIDToEdit: 3, MessageIDToDelete: 4}, "delete"},
	}
	for _, tt := range tests {
		bot := &fakeMessenger{}
		c := NewConsumer("shopA", bot, WithLogger(quietLogger()))
		if err := c.Apply(context.Background(), tt.msg); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if got := bot.Calls(); len(got) != 1 || got[0] != tt.want {
			t.Errorf("calls = %v, want [%s]", got, tt.want)
		}
	}
}

func TestConsumer_SendUsesHTML(t *testing.T) {
	bot := &fakeMessenger{}
	c := NewConsumer("shopA", bot, WithLogger(quietLogger()))
	c.Apply(context.Background(), Message{ChatID: 42, Text: "<b>hi</b>", Keyboard: [][]Button{{{Text: "ok"}}}})
	if len(bot.sent) != 1 || bot.sent[0].ParseMode != botapi.ParseModeHTML || bot.sent[0].ReplyMarkup == nil {
		t.Errorf("sent = %+v", bot.sent)
	}
}

func TestConsumer_EditFallsBackToSend(t *testing.T) {
	bot := &fakeMessenger{editErr: &botapi.APIError{StatusCode: 400, Description: "Bad Request: message to edit not found"}}
	c := NewConsumer("shopA", bot, WithLogger(quietLogger()))
	if err := c.Apply(context.Background(), Message{ChatID: 1, Text: "hi", MessageIDToEdit: 3}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := strings.Join(bot.Calls(), ","); got != "edit,send" {
		t.Errorf("calls = %s, want edit,send", got)
	}
}

func TestConsumer_BlockedReported(t *testing.T) {
	gw := backend.NewMemoryGateway()

	bot := &fakeMessenger{sendErr: errBlocked}
	c := NewConsumer("shopA", bot, WithBlockReporter(gw), WithLogger(quietLogger()))
	if err := c.Apply(context.Background(), Message{ChatID: 42, Text: "hi"}); err == nil {
		t.Fatal("expected blocked error")
	}
	if !gw.Blocked(42) {
		t.Error("chat 42 not reported as blocked")
	}

	// A blocked edit is not retried as a send.
	bot = &fakeMessenger{editErr: errBlocked}
	c = NewConsumer("shopA", bot, WithBlockReporter(gw), WithLogger(quietLogger()))
	c.Apply(context.Background(), Message{ChatID: 43, Text: "hi", MessageIDToEdit: 1})
	if got := strings.Join(bot.Calls(), ","); got != "edit" {
		t.Errorf("calls = %s, want edit only", got)
	}
	if !gw.Blocked(43) {
		t.Error("chat 43 not reported as blocked")
	}
}

func TestConsumer_OtherErrorsNotReported(t *testing.T) {
	gw := backend.NewMemoryGateway()
	bot := &fakeMessenger{sendErr: errors.New("network")}
	c := NewConsumer("shopA", bot, WithBlockReporter(gw), WithLogger(quietLogger()))
	c.Apply(context.Background(), Message{ChatID: 42, Text: "hi"})
	if gw.Blocked(42) {
		t.Error("generic failure reported as blocked")
	}
}

func TestConsumer_WorkflowStateFirst(t *testing.T) {
	wf := state.NewWorkflows(state.NewMemoryStore())
	bot := &fakeMessenger{}
	c := NewConsumer("shopA", bot, WithWorkflows(wf), WithLogger(quietLogger()))

	msg := Message{ChatID: 42, WorkflowState: "awaiting_payment", WorkflowData: map[string]any{"order": "9"}}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, ok, _ := wf.Get(context.Background(), "shopA", 42)
	if !ok || got.State != "awaiting_payment" || got.Data["order"] != "9" {
		t.Errorf("workflow = %+v, %v", got, ok)
	}
	if len(bot.Calls()) != 0 {
		t.Errorf("workflow-only message made bot calls: %v", bot.Calls())
	}
}

// --- Integration Tests ---

func TestConsumer_RunOverBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	bot := &fakeMessenger{}
	c := NewConsumer("shopA", bot, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, b) }()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		Publish(b, Message{TargetIdentity: "shopA", ChatID: 42, Text: "hi"})
		time.Sleep(20 * time.Millisecond)
		if len(bot.Calls()) > 0 || time.Now().After(deadline) {
			break
		}
	}
	Publish(b, Message{TargetIdentity: "shopB", ChatID: 42, Text: "not mine"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	for _, req := range bot.sent {
		if req.Text != "hi" {
			t.Errorf("consumer applied a message for another identity: %+v", req)
		}
	}
	if len(bot.sent) == 0 {
		t.Error("consumer applied nothing")
	}
}

func TestConsumer_WithBotAPIMessenger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	client, err := botapi.NewMessenger("123:abc", botapi.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewMessenger: %v", err)
	}
	gw := backend.NewMemoryGateway()
	c := NewConsumer("shopA", client, WithBlockReporter(gw), WithLogger(quietLogger()))
	c.Apply(context.Background(), Message{ChatID: 77, Text: "hi"})
	if !gw.Blocked(77) {
		t.Error("403 blocked response not reported")
	}
}
