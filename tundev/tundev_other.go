//go:build !linux

package tundev

import (
	"fmt"

	"github.com/yllada/openconnect-core/common"
)

func Provision(name string, mtu int) (*Device, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: tun provisioning is only available on linux", common.ErrUnsupported)
}

func (d *Device) Close() error {
	if d == nil || d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

func ReadCounters(name string) (Counters, error) {
	return Counters{}, fmt.Errorf("%w: interface counters are only available on linux", common.ErrUnsupported)
}

func FindByAddress(ip string) (string, error) {
	return "", fmt.Errorf("%w: address lookup is only available on linux", common.ErrUnsupported)
}
