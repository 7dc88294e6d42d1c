package provision

import (
	"context"
	"strings"
	"sync"
)

// MemoryDialer is a scripted Dialer. Respond maps each sent text to a reply.
type MemoryDialer struct {
	Respond func(text string) (string, error)

	mu    sync.Mutex
	sent  []string
	dials int
}

// Dial opens a conversation that answers with Respond.
func (d *MemoryDialer) Dial(ctx context.Context, peer string, app AppCredentials) (Conversation, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &memoryConversation{d: d}, nil
}

// Sent returns every text sent across all conversations.
func (d *MemoryDialer) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// Dials returns how many conversations were opened.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type memoryConversation struct {
	d *MemoryDialer
}

func (c *memoryConversation) Send(ctx context.Context, text string) (string, error) {
	c.d.mu.Lock()
	c.d.sent = append(c.d.sent, text)
	respond := c.d.Respond
	c.d.mu.Unlock()
	if respond == nil {
		return "", nil
	}
	return respond(text)
}

func (c *memoryConversation) Close() error { return nil }

// BotFatherScript answers like the bot-creation service: it acknowledges
// /newbot, asks for an identifier after the display name, reports the
// first taken identifiers as taken and then succeeds with token.
func BotFatherScript(token string, taken int) func(text string) (string, error) {
	var mu sync.Mutex
	return func(text string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case text == cmdNewBot:
			return TemplateAck + " How are we going to call it? Please choose a name for your bot.", nil
		case text == cmdCancel:
			return "The command newbot has been cancelled.", nil
		case strings.HasPrefix(text, "My Monitored Bot "):
			return TemplateChoose + " for your bot. It must end in `bot`.", nil
		case strings.HasSuffix(text, "_bot"):
			if taken > 0 {
				taken--
				return "Sorry, " + TemplateTaken + ".", nil
			}
			return TemplateSuccess + " on your new bot.\n\nUse this token to access the HTTP API:\n" + token + "\nKeep your token secure.", nil
		}
		return "Unrecognized command.", nil
	}
}
