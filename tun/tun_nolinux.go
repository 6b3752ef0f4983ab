//go:build !linux

package tun

import (
	"errors"
	"net/netip"
)

// ErrWouldBlock is returned by Recv when no datagram is ready.
var ErrWouldBlock = errors.New("tun: operation would block")

var errUnsupported = errors.New("tun: only supported on linux")

type Config struct {
	Name  string
	Addr4 netip.Prefix
	Addr6 netip.Prefix
	MTU   int
}

type Device struct{}

func New(cfg Config) (*Device, error) { return nil, errUnsupported }

func (dev *Device) Name() string { return "" }

func (dev *Device) MTU() int { return 0 }

func (dev *Device) Send(b []byte) (int, error) { return 0, errUnsupported }

func (dev *Device) Recv(b []byte) (int, error) { return 0, errUnsupported }

func (dev *Device) PollRead(timeoutMillis int) (bool, error) { return false, errUnsupported }

func (dev *Device) Close() error { return errUnsupported }
