// Package tundev manages the tunnel network interface: optional
// pre-provisioning of a persistent TUN device and interface statistics.
package tundev

import (
	"fmt"
	"strings"

	"github.com/yllada/openconnect-core/common"
)

// Counters are the kernel's traffic counters for an interface.
type Counters struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
}

// Device is a TUN device created before the tunnel process starts.
type Device struct {
	name string
	mtu  int
	dev  closer
}

type closer interface {
	Close() error
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the configured MTU, or 0 if the kernel default is used.
func (d *Device) MTU() int { return d.mtu }

// validateName rejects names the kernel would refuse.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: interface name is empty", common.ErrInvalidConfig)
	}
	if len(name) > 15 {
		return fmt.Errorf("%w: interface name %q longer than 15 bytes", common.ErrInvalidConfig, name)
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("%w: interface name %q contains invalid characters", common.ErrInvalidConfig, name)
	}
	return nil
}
