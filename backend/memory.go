package backend

import (
	"context"
	"sort"
	"sync"

	ferrors "github.com/vinayprograms/botfleet/errors"
)

// MemoryGateway is an in-process Gateway for tests and local runs.
type MemoryGateway struct {
	mu      sync.Mutex
	records map[int64]BotRecord
	blocked map[int64]bool
	nextID  int64
	listErr error
}

// NewMemoryGateway creates a gateway seeded with records.
func NewMemoryGateway(records ...BotRecord) *MemoryGateway {
	g := &MemoryGateway{
		records: make(map[int64]BotRecord),
		blocked: make(map[int64]bool),
	}
	for _, r := range records {
		g.Put(r)
	}
	return g
}

// Put inserts or replaces a record. A zero ID is assigned.
func (g *MemoryGateway) Put(r BotRecord) BotRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.ID == 0 {
		g.nextID++
		r.ID = g.nextID
	} else if r.ID > g.nextID {
		g.nextID = r.ID
	}
	g.records[r.ID] = r
	return r
}

// Get returns record id.
func (g *MemoryGateway) Get(id int64) (BotRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	return r, ok
}

// SetListErr scripts a ListBots failure. nil clears it.
func (g *MemoryGateway) SetListErr(err error) {
	g.mu.Lock()
	g.listErr = err
	g.mu.Unlock()
}

// Blocked reports whether chatID was reported as blocked.
func (g *MemoryGateway) Blocked(chatID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[chatID]
}

// ListBots returns matching records ordered by id.
func (g *MemoryGateway) ListBots(ctx context.Context, f Filter) ([]BotRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := []BotRecord{}
	for _, r := range g.records {
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.OwnerID != 0 && r.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActive flips the is_active flag.
func (g *MemoryGateway) SetActive(ctx context.Context, id int64, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	if !ok {
		return ferrors.Newf(ferrors.ErrCodeNotFound, "bot %d not found", id)
	}
	r.IsActive = active
	g.records[id] = r
	return nil
}

// RegisterMainBot stores an active main record.
func (g *MemoryGateway) RegisterMainBot(ctx context.Context, token, username string) (BotRecord, error) {
	if token == "" {
		return BotRecord{}, ferrors.InvalidInput("bot token is required")
	}
	return g.Put(BotRecord{Type: TypeMain, Token: token, Username: username, IsActive: true}), nil
}

// ReportBlocked records chatID as blocked.
func (g *MemoryGateway) ReportBlocked(ctx context.Context, chatID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[chatID] = true
	return nil
}
