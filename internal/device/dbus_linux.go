//go:build linux

package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"adaptd/internal/logging"
)

// UPower system bus names.
const (
	upowerService     = "org.freedesktop.UPower"
	upowerDisplayPath = "/org/freedesktop/UPower/devices/DisplayDevice"
	upowerDeviceIface = "org.freedesktop.UPower.Device"
)

// UPower battery states. Fully charged and pending charge both mean the
// device is on external power.
const (
	upowerStateCharging      uint32 = 1
	upowerStateFullyCharged  uint32 = 4
	upowerStatePendingCharge uint32 = 5
)

// NetworkManager system bus names.
const (
	nmService     = "org.freedesktop.NetworkManager"
	nmPath        = "/org/freedesktop/NetworkManager"
	nmIface       = "org.freedesktop.NetworkManager"
	nmActiveIface = "org.freedesktop.NetworkManager.Connection.Active"
)

const nmStateConnectedGlobal uint32 = 70

// NM_METERED values: yes and guess-yes both count as metered.
const (
	nmMeteredYes      uint32 = 1
	nmMeteredGuessYes uint32 = 3
)

const dbusQueryTimeout = 2 * time.Second

const propsIface = "org.freedesktop.DBus.Properties"

// systemBus opens a private system bus connection. The shared connection
// from dbus.SystemBus must not be used here: both providers own a Close,
// and closing the shared connection would break the other one.
func systemBus() (*dbus.Conn, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func getProp(ctx context.Context, obj dbus.BusObject, iface, name string) (dbus.Variant, error) {
	call := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, name)
	if call.Err != nil {
		return dbus.Variant{}, fmt.Errorf("get %s.%s: %w", iface, name, call.Err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("decode %s.%s: %w", iface, name, err)
	}
	return v, nil
}

// ====== UPower power source ======

// UPowerSource reads battery state from UPower's composite DisplayDevice,
// which aggregates multi-battery systems into one reading.
type UPowerSource struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	closed bool
}

// NewUPowerSource connects to the system bus and probes the display
// device once so a missing UPower daemon fails here, not on first query.
func NewUPowerSource() (*UPowerSource, error) {
	conn, err := systemBus()
	if err != nil {
		return nil, fmt.Errorf("device: system bus: %w", err)
	}

	p := &UPowerSource{conn: conn}
	ctx, cancel := context.WithTimeout(context.Background(), dbusQueryTimeout)
	defer cancel()
	if _, err := p.Status(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

var _ PowerSource = (*UPowerSource)(nil)

func (p *UPowerSource) Status(ctx context.Context) (BatteryStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return BatteryStatus{}, fmt.Errorf("device: power source closed")
	}
	obj := p.conn.Object(upowerService, upowerDisplayPath)

	pctVar, err := getProp(ctx, obj, upowerDeviceIface, "Percentage")
	if err != nil {
		return BatteryStatus{}, fmt.Errorf("device: %w", err)
	}
	pct, ok := pctVar.Value().(float64)
	if !ok {
		return BatteryStatus{}, fmt.Errorf("device: percentage has type %T", pctVar.Value())
	}

	stateVar, err := getProp(ctx, obj, upowerDeviceIface, "State")
	if err != nil {
		return BatteryStatus{}, fmt.Errorf("device: %w", err)
	}
	state, ok := stateVar.Value().(uint32)
	if !ok {
		return BatteryStatus{}, fmt.Errorf("device: state has type %T", stateVar.Value())
	}

	level := pct / 100
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	charging := state == upowerStateCharging ||
		state == upowerStateFullyCharged ||
		state == upowerStatePendingCharge

	return BatteryStatus{Level: level, Charging: charging}, nil
}

func (p *UPowerSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// ====== NetworkManager monitor ======

// NMMonitor tracks the primary link via NetworkManager. It keeps the last
// state cached and requeries on PropertiesChanged signals from the
// NetworkManager root object, which fire for connectivity, primary
// connection, and metered changes.
type NMMonitor struct {
	conn *dbus.Conn
	log  *logging.Logger

	mu     sync.Mutex
	state  NetworkState
	subs   []chan NetworkState
	closed bool

	done chan struct{}
}

func NewNMMonitor(log *logging.Logger) (*NMMonitor, error) {
	if log == nil {
		log = logging.Default()
	}
	conn, err := systemBus()
	if err != nil {
		return nil, fmt.Errorf("device: system bus: %w", err)
	}

	m := &NMMonitor{
		conn: conn,
		log:  log.WithComponent("netmon"),
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusQueryTimeout)
	state, err := m.query(ctx)
	cancel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.state = state

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("device: subscribe to NetworkManager: %w", err)
	}

	sigs := make(chan *dbus.Signal, 16)
	conn.Signal(sigs)
	go m.loop(sigs)

	return m, nil
}

var _ NetworkMonitor = (*NMMonitor)(nil)

// query reads connectivity, primary connection type, and metered flag.
func (m *NMMonitor) query(ctx context.Context) (NetworkState, error) {
	obj := m.conn.Object(nmService, nmPath)

	stateVar, err := getProp(ctx, obj, nmIface, "State")
	if err != nil {
		return NetworkState{}, fmt.Errorf("device: %w", err)
	}
	nmState, ok := stateVar.Value().(uint32)
	if !ok {
		return NetworkState{}, fmt.Errorf("device: nm state has type %T", stateVar.Value())
	}
	if nmState < nmStateConnectedGlobal {
		return NetworkState{Connected: false, Kind: NetworkNone}, nil
	}

	meteredVar, err := getProp(ctx, obj, nmIface, "Metered")
	if err != nil {
		return NetworkState{}, fmt.Errorf("device: %w", err)
	}
	metered, ok := meteredVar.Value().(uint32)
	if !ok {
		return NetworkState{}, fmt.Errorf("device: metered has type %T", meteredVar.Value())
	}

	kind := NetworkOther
	primVar, err := getProp(ctx, obj, nmIface, "PrimaryConnection")
	if err == nil {
		if path, ok := primVar.Value().(dbus.ObjectPath); ok && path != "/" {
			active := m.conn.Object(nmService, path)
			if typeVar, err := getProp(ctx, active, nmActiveIface, "Type"); err == nil {
				if s, ok := typeVar.Value().(string); ok {
					kind = kindFromConnectionType(s)
				}
			}
		}
	}

	return NetworkState{
		Connected: true,
		Kind:      kind,
		Metered:   metered == nmMeteredYes || metered == nmMeteredGuessYes,
	}, nil
}

func kindFromConnectionType(t string) NetworkKind {
	switch t {
	case "802-11-wireless":
		return NetworkWifi
	case "802-3-ethernet":
		return NetworkEthernet
	case "gsm", "cdma", "wwan":
		return NetworkCellular
	default:
		return NetworkOther
	}
}

// loop requeries on every signal and fans out changes. The signal channel
// is closed by the dbus connection's Close, which ends the loop.
func (m *NMMonitor) loop(sigs chan *dbus.Signal) {
	defer close(m.done)

	for range sigs {
		ctx, cancel := context.WithTimeout(context.Background(), dbusQueryTimeout)
		state, err := m.query(ctx)
		cancel()
		if err != nil {
			m.log.Debug("network requery failed", "error", err)
			continue
		}

		m.mu.Lock()
		if m.closed || state == m.state {
			m.mu.Unlock()
			continue
		}
		m.state = state
		subs := make([]chan NetworkState, len(m.subs))
		copy(subs, m.subs)
		m.mu.Unlock()

		m.log.Debug("network state changed",
			"connected", state.Connected,
			"kind", string(state.Kind),
			"metered", state.Metered)
		for _, ch := range subs {
			select {
			case ch <- state:
			default:
			}
		}
	}
}

func (m *NMMonitor) Current() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *NMMonitor) Subscribe() <-chan NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan NetworkState, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	ch <- m.state
	m.subs = append(m.subs, ch)
	return ch
}

func (m *NMMonitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.conn.Close()
	<-m.done

	m.mu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
	return err
}

// System returns the platform providers: UPower for power, NetworkManager
// for the network. Callers fall back to the static providers on error.
func System(log *logging.Logger) (PowerSource, NetworkMonitor, error) {
	power, err := NewUPowerSource()
	if err != nil {
		return nil, nil, err
	}
	netmon, err := NewNMMonitor(log)
	if err != nil {
		power.Close()
		return nil, nil, err
	}
	return power, netmon, nil
}
