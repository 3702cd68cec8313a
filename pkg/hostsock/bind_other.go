//go:build !linux

package hostsock

import "fmt"

// setBindToDevice is unsupported outside Linux; SO_BINDTODEVICE has no
// portable equivalent.
func setBindToDevice(fd uintptr, iface string) error {
	return fmt.Errorf("hostsock: SO_BINDTODEVICE not supported on this platform")
}
