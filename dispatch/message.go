// Package dispatch defines the notification message that travels from the
// relay to a worker, the per-identity channel it travels on, and the worker
// side consumer that applies it.
package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/vinayprograms/botfleet/botapi"
	"github.com/vinayprograms/botfleet/bus"
	ferrors "github.com/vinayprograms/botfleet/errors"
)

// SubjectPrefix precedes the identity in channel names.
const SubjectPrefix = "bot-notifications:"

// Subject returns the channel a worker with identity listens on.
func Subject(identity string) string {
	return SubjectPrefix + identity
}

// Action is the primary effect of a message.
type Action string

const (
	ActionNone   Action = "none"
	ActionSend   Action = "send"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Message is a notification addressed to a bot identity.
type Message struct {
	RequestID         string         `json:"request_id,omitempty"`
	TargetIdentity    string         `json:"target_identity"`
	ChatID            int64          `json:"chat_id"`
	Text              string         `json:"text,omitempty"`
	ImageRef          string         `json:"image_ref,omitempty"`
	MessageIDToEdit   int64          `json:"message_id_to_edit,omitempty"`
	MessageIDToDelete int64          `json:"message_id_to_delete,omitempty"`
	Keyboard          [][]Button     `json:"keyboard,omitempty"`
	WorkflowState     string         `json:"workflow_state_to_set,omitempty"`
	WorkflowData      map[string]any `json:"workflow_state_data,omitempty"`
}

// Action returns the single primary action by precedence
// delete > edit > send.
func (m Message) Action() Action {
	switch {
	case m.MessageIDToDelete != 0:
		return ActionDelete
	case m.MessageIDToEdit != 0:
		return ActionEdit
	case m.Text != "" || m.ImageRef != "":
		return ActionSend
	default:
		return ActionNone
	}
}

// Validate reports a RELAY_MALFORMED_REQUEST error for a message that cannot
// be delivered.
func (m Message) Validate() error {
	if strings.TrimSpace(m.TargetIdentity) == "" {
		return ferrors.RelayMalformed("target_identity is required")
	}
	if strings.ContainsAny(m.TargetIdentity, " \t\r\n.*>") {
		return ferrors.RelayMalformed("target_identity has invalid characters")
	}
	if m.ChatID == 0 {
		return ferrors.RelayMalformed("chat_id is required")
	}
	switch m.Action() {
	case ActionEdit:
		if m.Text == "" {
			return ferrors.RelayMalformed("message_id_to_edit requires text")
		}
	case ActionNone:
		if m.WorkflowState == "" {
			return ferrors.RelayMalformed("message has no action")
		}
	}
	for _, row := range m.Keyboard {
		for _, b := range row {
			if b.Text == "" {
				return ferrors.RelayMalformed("keyboard button without text")
			}
		}
	}
	return nil
}

// ReplyMarkup converts the keyboard for the Bot API. nil when there is none.
func (m Message) ReplyMarkup() *botapi.ReplyMarkup {
	if len(m.Keyboard) == 0 {
		return nil
	}
	rows := make([][]botapi.InlineKeyboardButton, 0, len(m.Keyboard))
	for _, row := range m.Keyboard {
		out := make([]botapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			out = append(out, botapi.InlineKeyboardButton{Text: b.Text, CallbackData: b.CallbackData, URL: b.URL})
		}
		rows = append(rows, out)
	}
	return &botapi.ReplyMarkup{InlineKeyboard: rows}
}

// Publish sends msg on its identity's channel.
func Publish(b bus.MessageBus, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return ferrors.Wrap(err, "encode notification")
	}
	if err := b.Publish(Subject(msg.TargetIdentity), data); err != nil {
		return ferrors.Wrap(err, "publish notification")
	}
	return nil
}
