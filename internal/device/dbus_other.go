//go:build !linux

package device

import "adaptd/internal/logging"

// System has no platform providers off Linux; callers use the static
// providers instead.
func System(log *logging.Logger) (PowerSource, NetworkMonitor, error) {
	return nil, nil, ErrNotSupported
}
