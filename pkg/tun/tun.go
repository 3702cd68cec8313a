package tun

import (
	"fmt"

	"tunrelay/pkg/core"
	"tunrelay/pkg/logging"
)

// CreateTUN would open the named kernel TUN device at the given MTU.
// Acquiring the device itself is treated as external environment by this
// relay (see spec's "Out of scope" collaborators): production deployments
// are expected to supply a core.TUNDevice built with a platform-specific
// driver (e.g. a /dev/net/tun open on Linux) rather than through this
// package, which only ships the interface and a test double.
func CreateTUN(name string, mtu int) (core.TUNDevice, error) {
	logging.Infof("tun: kernel device acquisition is not built into this package")
	return nil, fmt.Errorf("tun: no kernel TUN backend compiled in for device %q; supply a core.TUNDevice from the deployment environment", name)
}

// OpenTUNWithPath is the equivalent of CreateTUN for platforms that open a
// TUN device by filesystem path (e.g. /dev/tun0 on BSD-derived systems)
// rather than by interface name alone.
func OpenTUNWithPath(name string, mtu int, path string) (core.TUNDevice, error) {
	logging.Infof("tun: kernel device acquisition is not built into this package")
	return nil, fmt.Errorf("tun: no kernel TUN backend compiled in for path %q; supply a core.TUNDevice from the deployment environment", path)
}
