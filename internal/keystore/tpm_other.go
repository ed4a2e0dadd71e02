//go:build !linux

package keystore

// newTPMProvider returns nil on platforms without TPM device support.
// Detect falls through to the file provider.
func newTPMProvider(devicePath, dir string) Provider {
	return nil
}
