package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Workflow is the conversation state of one chat with one bot.
type Workflow struct {
	State string         `json:"state"`
	Data  map[string]any `json:"data,omitempty"`
}

// WorkflowKey returns the store key for identity and chatID.
func WorkflowKey(identity string, chatID int64) string {
	return "workflow." + identity + "." + strconv.FormatInt(chatID, 10)
}

// Workflows reads and writes Workflow values.
type Workflows struct {
	store Store
}

// NewWorkflows wraps store.
func NewWorkflows(store Store) *Workflows {
	return &Workflows{store: store}
}

// Set replaces the workflow of a chat.
func (w *Workflows) Set(ctx context.Context, identity string, chatID int64, wf Workflow) error {
	key := WorkflowKey(identity, chatID)
	if err := ValidateKey(key); err != nil {
		return fmt.Errorf("workflow key %q: %w", key, err)
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return w.store.Put(ctx, key, data)
}

// Get returns the workflow of a chat and whether one is stored.
func (w *Workflows) Get(ctx context.Context, identity string, chatID int64) (Workflow, bool, error) {
	data, err := w.store.Get(ctx, WorkflowKey(identity, chatID))
	if errors.Is(err, ErrNotFound) {
		return Workflow{}, false, nil
	}
	if err != nil {
		return Workflow{}, false, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return Workflow{}, false, fmt.Errorf("decode workflow: %w", err)
	}
	return wf, true, nil
}

// Clear removes the workflow of a chat.
func (w *Workflows) Clear(ctx context.Context, identity string, chatID int64) error {
	return w.store.Delete(ctx, WorkflowKey(identity, chatID))
}

// Chats lists the chat ids with stored workflow for identity.
func (w *Workflows) Chats(ctx context.Context, identity string) ([]int64, error) {
	prefix := "workflow." + identity + "."
	keys, err := w.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
