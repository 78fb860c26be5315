//go:build linux && cgo

package afpacket

import (
	"golang.org/x/sys/unix"
)

// setPromiscuous sets IFF_PROMISC on iface. The returned func clears it
// again unless it was already set before.
func setPromiscuous(iface string) (func() error, error) {
	flags, err := ifFlags(iface)
	if err != nil {
		return nil, err
	}
	if flags&unix.IFF_PROMISC != 0 {
		return func() error { return nil }, nil
	}
	if err := setIfFlags(iface, flags|unix.IFF_PROMISC); err != nil {
		return nil, err
	}
	return func() error {
		cur, err := ifFlags(iface)
		if err != nil {
			return err
		}
		return setIfFlags(iface, cur&^unix.IFF_PROMISC)
	}, nil
}

func ifFlags(iface string) (uint16, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func setIfFlags(iface string, flags uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return err
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}
