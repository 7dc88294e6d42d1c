package provision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/botfleet/bus"
	ferrors "github.com/vinayprograms/botfleet/errors"
)

// DefaultSubject is the bus subject served by the userbot bridge.
const DefaultSubject = "provision.conversation"

// AppCredentials are the application-level credentials the userbot bridge
// signs in with.
type AppCredentials struct {
	ID   string
	Hash string
}

// Set reports whether both values are present.
func (a AppCredentials) Set() bool {
	return a.ID != "" && a.Hash != ""
}

// Conversation is a text exchange with one peer. Send delivers text and
// returns the peer's reply.
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
	Close() error
}

// Dialer opens conversations.
type Dialer interface {
	Dial(ctx context.Context, peer string, app AppCredentials) (Conversation, error)
}

// BridgeRequest is one turn sent to the bridge.
type BridgeRequest struct {
	ConversationID string `json:"conversation_id"`
	Peer           string `json:"peer"`
	Text           string `json:"text"`
	APIID          string `json:"api_id"`
	APIHash        string `json:"api_hash"`
}

// BridgeReply is the bridge's answer to a BridgeRequest.
type BridgeReply struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// BusDialer reaches the bridge with bus request/reply.
type BusDialer struct {
	Bus     bus.MessageBus
	Subject string

	// ReplyTimeout bounds each turn.
	ReplyTimeout time.Duration
}

// Dial starts a conversation identified by a fresh id.
func (d *BusDialer) Dial(ctx context.Context, peer string, app AppCredentials) (Conversation, error) {
	if d.Bus == nil {
		return nil, ferrors.InvalidInput("provisioning bus is not configured")
	}
	subject := d.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	timeout := d.ReplyTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &busConversation{
		bus:     d.Bus,
		subject: subject,
		timeout: timeout,
		base: BridgeRequest{
			ConversationID: uuid.New().String(),
			Peer:           peer,
			APIID:          app.ID,
			APIHash:        app.Hash,
		},
	}, nil
}

type busConversation struct {
	bus     bus.MessageBus
	subject string
	timeout time.Duration
	base    BridgeRequest
}

func (c *busConversation) Send(ctx context.Context, text string) (string, error) {
	req := c.base
	req.Text = text
	data, err := json.Marshal(req)
	if err != nil {
		return "", ferrors.Wrap(err, "encode bridge request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.bus.Request(ctx, c.subject, data)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrNoResponders):
			return "", ferrors.Unavailable("no provisioning bridge is listening", ferrors.WithCause(err))
		case errors.Is(err, bus.ErrTimeout):
			return "", ferrors.New(ferrors.ErrCodeTimeout, "no reply from "+c.base.Peer, ferrors.WithCause(err))
		}
		return "", ferrors.Wrap(err, "bridge request")
	}

	var reply BridgeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", ferrors.Wrap(err, "decode bridge reply")
	}
	if reply.Error != "" {
		return "", ferrors.Unavailable("bridge: " + reply.Error)
	}
	return reply.Text, nil
}

func (c *busConversation) Close() error {
	return nil
}
