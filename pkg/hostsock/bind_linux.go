//go:build linux

package hostsock

import "golang.org/x/sys/unix"

// setBindToDevice binds fd to iface via SO_BINDTODEVICE, the same raw
// socket-option style the pack uses for privileged socket tuning
// (unix.SetsockoptInt on a raw fd), generalized to the string-valued
// variant SO_BINDTODEVICE requires.
func setBindToDevice(fd uintptr, iface string) error {
	return unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
}
