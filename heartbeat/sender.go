package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/botfleet/bus"
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	Bus      bus.MessageBus
	Identity string
	PID      int
	Role     string

	// Interval between heartbeats. Default: 5 seconds
	Interval time.Duration
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Interval: 5 * time.Second}
}

// BusSender publishes heartbeats at a fixed interval.
type BusSender struct {
	cfg SenderConfig

	mu     sync.RWMutex
	status string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if cfg.Bus == nil || cfg.Identity == "" {
		return nil, ErrInvalidConfig
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSenderConfig().Interval
	}
	return &BusSender{cfg: cfg, status: "running"}, nil
}

// Start sends one heartbeat now and then one per interval until ctx ends or
// Stop is called.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.send()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

func (s *BusSender) send() {
	s.mu.RLock()
	hb := &Heartbeat{
		Identity:  s.cfg.Identity,
		PID:       s.cfg.PID,
		Role:      s.cfg.Role,
		Status:    s.status,
		Timestamp: time.Now(),
	}
	s.mu.RUnlock()

	data, err := hb.Marshal()
	if err != nil {
		return
	}
	_ = s.cfg.Bus.Publish(Subject(hb.Identity), data)
}

// SetStatus changes the status carried by later heartbeats.
func (s *BusSender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Stop ends the loop and waits for it.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
