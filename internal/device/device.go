// Package device reports the power and network state that gates training
// rounds. Battery and charging are pulled on demand because the query is
// cheap and the answer goes stale fast; network state is push-updated
// because link changes arrive as OS signals and polling them would be the
// expensive path.
//
// On Linux the real providers sit on the system D-Bus (UPower and
// NetworkManager). Everywhere else, and in tests, the static providers
// serve fixed values.
package device

import (
	"context"
	"errors"
	"sync"
)

var ErrNotSupported = errors.New("device: system providers not supported on this platform")

// BatteryStatus is a point-in-time power reading.
type BatteryStatus struct {
	// Level is the charge fraction, 0.0 (empty) to 1.0 (full).
	Level float64

	// Charging is true on external power, including fully-charged-and-plugged.
	Charging bool
}

// PowerSource answers on-demand battery queries.
type PowerSource interface {
	Status(ctx context.Context) (BatteryStatus, error)
	Close() error
}

// NetworkKind classifies the primary link.
type NetworkKind string

const (
	NetworkNone     NetworkKind = "none"
	NetworkWifi     NetworkKind = "wifi"
	NetworkEthernet NetworkKind = "ethernet"
	NetworkCellular NetworkKind = "cellular"
	NetworkOther    NetworkKind = "other"
)

// NetworkState describes the primary network link.
type NetworkState struct {
	Connected bool
	Kind      NetworkKind
	Metered   bool
}

// Preferred reports whether the link is suitable for adapter uploads:
// connected, unmetered, and wifi or ethernet.
func (s NetworkState) Preferred() bool {
	if !s.Connected || s.Metered {
		return false
	}
	return s.Kind == NetworkWifi || s.Kind == NetworkEthernet
}

// NetworkMonitor pushes link changes to subscribers and caches the most
// recent state for synchronous reads.
type NetworkMonitor interface {
	Current() NetworkState

	// Subscribe returns a channel that receives the current state
	// immediately and every change afterward. The channel is closed when
	// the monitor closes. Slow consumers may miss intermediate states.
	Subscribe() <-chan NetworkState

	Close() error
}

const subscriberBuffer = 4

// ====== Static providers ======

// StaticPower serves a fixed battery reading. Set lets tests and
// config-driven deployments move it.
type StaticPower struct {
	mu     sync.Mutex
	status BatteryStatus
}

func NewStaticPower(level float64, charging bool) *StaticPower {
	return &StaticPower{status: BatteryStatus{Level: level, Charging: charging}}
}

var _ PowerSource = (*StaticPower)(nil)

func (p *StaticPower) Status(ctx context.Context) (BatteryStatus, error) {
	if err := ctx.Err(); err != nil {
		return BatteryStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *StaticPower) Set(status BatteryStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *StaticPower) Close() error { return nil }

// StaticNetwork serves a fixed network state and fans out Set calls to
// subscribers.
type StaticNetwork struct {
	mu     sync.Mutex
	state  NetworkState
	subs   []chan NetworkState
	closed bool
}

func NewStaticNetwork(state NetworkState) *StaticNetwork {
	return &StaticNetwork{state: state}
}

var _ NetworkMonitor = (*StaticNetwork)(nil)

func (n *StaticNetwork) Current() NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *StaticNetwork) Subscribe() <-chan NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan NetworkState, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch
	}
	ch <- n.state
	n.subs = append(n.subs, ch)
	return ch
}

// Set replaces the state and notifies subscribers. Subscribers that have
// fallen subscriberBuffer states behind miss this one.
func (n *StaticNetwork) Set(state NetworkState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || state == n.state {
		return
	}
	n.state = state
	for _, ch := range n.subs {
		select {
		case ch <- state:
		default:
		}
	}
}

func (n *StaticNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
	return nil
}
