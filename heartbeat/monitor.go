package heartbeat

import (
	"sync"
	"time"

	"github.com/vinayprograms/botfleet/bus"
)

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Timeout after the last heartbeat before a worker counts as hung.
	// Should be several intervals. Default: 30 seconds
	Timeout time.Duration

	// Now overrides the clock (useful for tests).
	Now func() time.Time
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Timeout: 30 * time.Second}
}

type beacon struct {
	pid  int
	seen time.Time
	last *Heartbeat
}

// BusMonitor records the latest heartbeat of every identity.
type BusMonitor struct {
	cfg MonitorConfig

	mu      sync.RWMutex
	beacons map[string]beacon

	sub  bus.Subscription
	done chan struct{}
}

// NewBusMonitor creates a monitor. Call Start to begin listening.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if cfg.Bus == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMonitorConfig().Timeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BusMonitor{cfg: cfg, beacons: make(map[string]beacon)}, nil
}

// Start subscribes to all heartbeats.
func (m *BusMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return ErrAlreadyStarted
	}
	sub, err := m.cfg.Bus.Subscribe(SubjectAll)
	if err != nil {
		return err
	}
	m.sub = sub
	m.done = make(chan struct{})
	go m.loop(sub, m.done)
	return nil
}

func (m *BusMonitor) loop(sub bus.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		hb, err := Unmarshal(msg.Data)
		if err != nil {
			continue
		}
		m.Record(hb)
	}
}

// Record stores hb as the latest beacon of its identity. Arrival time, not
// the sender's timestamp, is what staleness is measured against.
func (m *BusMonitor) Record(hb *Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beacons[hb.Identity] = beacon{pid: hb.PID, seen: m.cfg.Now(), last: hb}
}

// Last returns the latest heartbeat of identity.
func (m *BusMonitor) Last(identity string) (*Heartbeat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beacons[identity]
	if !ok {
		return nil, false
	}
	return b.last, true
}

// Hung reports whether the process pid running as identity has sent at least
// one heartbeat and none within the timeout. Beacons from an earlier process
// with the same identity are ignored.
func (m *BusMonitor) Hung(identity string, pid int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beacons[identity]
	if !ok || b.pid != pid {
		return false
	}
	return m.cfg.Now().Sub(b.seen) > m.cfg.Timeout
}

// Forget drops the beacon of identity.
func (m *BusMonitor) Forget(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.beacons, identity)
}

// Stop unsubscribes and waits for the listener to finish.
func (m *BusMonitor) Stop() error {
	m.mu.Lock()
	sub, done := m.sub, m.done
	m.sub = nil
	m.mu.Unlock()
	if sub == nil {
		return ErrNotStarted
	}
	err := sub.Unsubscribe()
	<-done
	return err
}
