package botapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// SendMessageRequest is the payload for sendMessage.
type SendMessageRequest struct {
	ChatID      int64
	Text        string
	ParseMode   string
	ReplyMarkup *ReplyMarkup
}

// SendPhotoRequest is the payload for sendPhoto. Photo is a URL or file id.
type SendPhotoRequest struct {
	ChatID      int64
	Photo       string
	Caption     string
	ParseMode   string
	ReplyMarkup *ReplyMarkup
}

// EditMessageTextRequest is the payload for editMessageText.
type EditMessageTextRequest struct {
	ChatID      int64
	MessageID   int64
	Text        string
	ParseMode   string
	ReplyMarkup *ReplyMarkup
}

// Messenger performs the message actions of one bot.
type Messenger struct {
	bot *bot.Bot
}

// NewMessenger builds a Messenger for token. It accepts the same options as
// New and makes no request.
func NewMessenger(token string, opts ...Option) (*Messenger, error) {
	c, err := New(token, opts...)
	if err != nil {
		return nil, err
	}
	b, err := bot.New(token,
		bot.WithServerURL(c.baseURL),
		bot.WithHTTPClient(time.Minute, c.httpClient),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("bot client: %w", err)
	}
	return &Messenger{bot: b}, nil
}

// SendMessage sends a new text message.
func (m *Messenger) SendMessage(ctx context.Context, req SendMessageRequest) (Message, error) {
	if req.ChatID == 0 {
		return Message{}, ErrMissingChat
	}
	params := &bot.SendMessageParams{
		ChatID:    req.ChatID,
		Text:      req.Text,
		ParseMode: models.ParseMode(req.ParseMode),
	}
	if req.ReplyMarkup != nil {
		params.ReplyMarkup = req.ReplyMarkup.inline()
	}
	msg, err := m.bot.SendMessage(ctx, params)
	return fromModel(msg), classify(err)
}

// SendPhoto sends a photo with an optional caption.
func (m *Messenger) SendPhoto(ctx context.Context, req SendPhotoRequest) (Message, error) {
	if req.ChatID == 0 {
		return Message{}, ErrMissingChat
	}
	params := &bot.SendPhotoParams{
		ChatID:    req.ChatID,
		Photo:     &models.InputFileString{Data: req.Photo},
		Caption:   req.Caption,
		ParseMode: models.ParseMode(req.ParseMode),
	}
	if req.ReplyMarkup != nil {
		params.ReplyMarkup = req.ReplyMarkup.inline()
	}
	msg, err := m.bot.SendPhoto(ctx, params)
	return fromModel(msg), classify(err)
}

// EditMessageText replaces the text of an existing message.
func (m *Messenger) EditMessageText(ctx context.Context, req EditMessageTextRequest) error {
	if req.ChatID == 0 {
		return ErrMissingChat
	}
	params := &bot.EditMessageTextParams{
		ChatID:    req.ChatID,
		MessageID: int(req.MessageID),
		Text:      req.Text,
		ParseMode: models.ParseMode(req.ParseMode),
	}
	if req.ReplyMarkup != nil {
		params.ReplyMarkup = req.ReplyMarkup.inline()
	}
	_, err := m.bot.EditMessageText(ctx, params)
	return classify(err)
}

// DeleteMessage removes a message from a chat.
func (m *Messenger) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	if chatID == 0 {
		return ErrMissingChat
	}
	_, err := m.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: int(messageID),
	})
	return classify(err)
}

func (r *ReplyMarkup) inline() *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(r.InlineKeyboard))
	for _, row := range r.InlineKeyboard {
		out := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			out = append(out, models.InlineKeyboardButton{Text: b.Text, CallbackData: b.CallbackData, URL: b.URL})
		}
		rows = append(rows, out)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func fromModel(msg *models.Message) Message {
	var out Message
	if msg != nil {
		out.MessageID = int64(msg.ID)
		out.Chat.ID = msg.Chat.ID
	}
	return out
}

// classify turns the library's forbidden error into an *APIError so
// IsBlocked sees the description, and strips the token-bearing URL from
// transport errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bot.ErrorForbidden) {
		return &APIError{StatusCode: 403, ErrorCode: 403, Description: err.Error()}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("bot api request: %w", urlErr.Err)
	}
	return err
}
