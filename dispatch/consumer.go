package dispatch

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/botfleet/botapi"
	"github.com/vinayprograms/botfleet/bus"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/state"
)

// Messenger is the part of the Bot API a consumer drives.
type Messenger interface {
	SendMessage(ctx context.Context, req botapi.SendMessageRequest) (botapi.Message, error)
	SendPhoto(ctx context.Context, req botapi.SendPhotoRequest) (botapi.Message, error)
	EditMessageText(ctx context.Context, req botapi.EditMessageTextRequest) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// BlockReporter records chats that blocked the bot.
type BlockReporter interface {
	ReportBlocked(ctx context.Context, chatID int64) error
}

// Consumer applies notifications addressed to one identity.
type Consumer struct {
	identity  string
	bot       Messenger
	workflows *state.Workflows
	reporter  BlockReporter
	logger    *logging.Logger
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithWorkflows stores workflow state named by messages.
func WithWorkflows(w *state.Workflows) ConsumerOption {
	return func(c *Consumer) { c.workflows = w }
}

// WithBlockReporter reports blocked chats.
func WithBlockReporter(r BlockReporter) ConsumerOption {
	return func(c *Consumer) { c.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l.WithComponent(logging.CompWorker)
		}
	}
}

// NewConsumer creates a consumer for identity.
func NewConsumer(identity string, bot Messenger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		identity: identity,
		bot:      bot,
		logger:   logging.New().WithComponent(logging.CompWorker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes to the identity's channel and applies messages until ctx
// ends. A failing message is logged and skipped.
func (c *Consumer) Run(ctx context.Context, b bus.MessageBus) error {
	sub, err := b.Subscribe(Subject(c.identity))
	if err != nil {
		return ferrors.Wrapf(err, "subscribe %s", Subject(c.identity))
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				c.logger.Warn("notification_undecodable", map[string]any{"error": err.Error()})
				continue
			}
			if err := c.Apply(ctx, msg); err != nil {
				c.logger.Error("notification_failed", map[string]any{
					"request_id": msg.RequestID,
					"chat_id":    msg.ChatID,
					"error":      err.Error(),
				})
			}
		}
	}
}

// Apply stores workflow state if requested, then performs the message's
// primary action.
func (c *Consumer) Apply(ctx context.Context, msg Message) error {
	if msg.WorkflowState != "" && c.workflows != nil {
		wf := state.Workflow{State: msg.WorkflowState, Data: msg.WorkflowData}
		if err := c.workflows.Set(ctx, c.identity, msg.ChatID, wf); err != nil {
			return ferrors.Wrap(err, "set workflow state")
		}
	}

	var err error
	switch msg.Action() {
	case ActionDelete:
		err = c.bot.DeleteMessage(ctx, msg.ChatID, msg.MessageIDToDelete)
	case ActionEdit:
		err = c.edit(ctx, msg)
	case ActionSend:
		err = c.send(ctx, msg)
	case ActionNone:
		return nil
	}

	if botapi.IsBlocked(err) {
		c.reportBlocked(ctx, msg.ChatID)
	}
	return err
}

// edit falls back to sending a new message when the edit fails for a reason
// other than the chat blocking the bot.
func (c *Consumer) edit(ctx context.Context, msg Message) error {
	err := c.bot.EditMessageText(ctx, botapi.EditMessageTextRequest{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageIDToEdit,
		Text:        msg.Text,
		ParseMode:   botapi.ParseModeHTML,
		ReplyMarkup: msg.ReplyMarkup(),
	})
	if err == nil || botapi.IsBlocked(err) {
		return err
	}
	c.logger.Debug("edit_fallback_send", map[string]any{"chat_id": msg.ChatID, "error": err.Error()})
	return c.send(ctx, msg)
}

func (c *Consumer) send(ctx context.Context, msg Message) error {
	if msg.ImageRef != "" {
		_, err := c.bot.SendPhoto(ctx, botapi.SendPhotoRequest{
			ChatID:      msg.ChatID,
			Photo:       msg.ImageRef,
			Caption:     msg.Text,
			ParseMode:   botapi.ParseModeHTML,
			ReplyMarkup: msg.ReplyMarkup(),
		})
		return err
	}
	_, err := c.bot.SendMessage(ctx, botapi.SendMessageRequest{
		ChatID:      msg.ChatID,
		Text:        msg.Text,
		ParseMode:   botapi.ParseModeHTML,
		ReplyMarkup: msg.ReplyMarkup(),
	})
	return err
}

func (c *Consumer) reportBlocked(ctx context.Context, chatID int64) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.ReportBlocked(ctx, chatID); err != nil {
		c.logger.Warn("report_blocked_failed", map[string]any{"chat_id": chatID, "error": err.Error()})
		return
	}
	c.logger.Info("chat_blocked", map[string]any{"chat_id": chatID})
}
