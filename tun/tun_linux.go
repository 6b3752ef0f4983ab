//go:build linux

// Package tun opens and configures the Linux TUN device the stack reads
// and writes raw IP datagrams through.
package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"

	"golang.org/x/sys/unix"

	rfc793 "github.com/sappChak/mini-rfc793"
)

// ErrWouldBlock is returned by Recv when no datagram is ready.
var ErrWouldBlock = errors.New("tun: operation would block")

// Config selects the interface name, addresses and MTU of a new device.
// Addresses assigned here make the kernel route matching destinations into
// the device.
type Config struct {
	// Name of the interface, e.g. "tun0". Must fit in IFNAMSIZ.
	Name string
	// Addr4 is the IPv4 address and prefix assigned to the interface, e.g. 10.0.0.1/24.
	Addr4 netip.Prefix
	// Addr6 is the IPv6 ULA and prefix assigned to the interface, e.g. fd00:dead:beef::1/64.
	Addr6 netip.Prefix
	// MTU of the interface. Zero selects 1500.
	MTU int
}

// Device is a nonblocking handle on a layer-3 TUN interface. Each Recv
// yields exactly one IP datagram and each Send transmits one.
type Device struct {
	fd   int
	name string
	mtu  int
}

// New creates and configures a TUN interface per cfg. The returned device
// is nonblocking; use [Device.PollRead] to wait for readability.
func New(cfg Config) (*Device, error) {
	if len(cfg.Name) >= unix.IFNAMSIZ {
		return nil, errors.New("tun: interface name too large")
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = rfc793.MTU
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: opening /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: creating interface %q: %w", cfg.Name, err)
	}
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	dev := &Device{fd: fd, name: cfg.Name, mtu: mtu}
	err = dev.configure(cfg)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return dev, nil
}

// configure brings the interface up and assigns its addresses and MTU
// using the 'ip' command for simplicity.
func (dev *Device) configure(cfg Config) error {
	cmds := [][]string{
		{"ip", "link", "set", "dev", dev.name, "mtu", fmt.Sprint(dev.mtu)},
		{"ip", "link", "set", "dev", dev.name, "up"},
	}
	if cfg.Addr4.IsValid() {
		cmds = append(cmds, []string{"ip", "addr", "add", cfg.Addr4.String(), "dev", dev.name})
	}
	if cfg.Addr6.IsValid() {
		cmds = append(cmds, []string{"ip", "-6", "addr", "add", cfg.Addr6.String(), "dev", dev.name})
	}
	for _, args := range cmds {
		err := exec.Command(args[0], args[1:]...).Run()
		if err != nil {
			return fmt.Errorf("tun: %q: %w", args, err)
		}
	}
	return nil
}

// Name returns the interface name.
func (dev *Device) Name() string { return dev.name }

// MTU returns the configured maximum transmission unit.
func (dev *Device) MTU() int { return dev.mtu }

// Send writes one complete IP datagram to the device. The device does not
// accept partial writes; a short write is an error.
func (dev *Device) Send(b []byte) (int, error) {
	n, err := unix.Write(dev.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("tun: short write %d of %d bytes", n, len(b))
	}
	return n, nil
}

// Recv reads exactly one IP datagram into b or returns [ErrWouldBlock]
// when none is ready.
func (dev *Device) Recv(b []byte) (int, error) {
	n, err := unix.Read(dev.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// PollRead waits up to timeoutMillis for the device to become readable.
func (dev *Device) PollRead(timeoutMillis int) (ready bool, err error) {
	pfd := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && pfd[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close releases the device file descriptor. The kernel tears the
// interface down with it.
func (dev *Device) Close() error {
	return unix.Close(dev.fd)
}
