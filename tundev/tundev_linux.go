//go:build linux

package tundev

import (
	"errors"
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/yllada/openconnect-core/common"
)

// Provision creates a persistent TUN device so the tunnel process can
// attach to it by name without creating it itself.
func Provision(name string, mtu int) (*Device, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	config := water.Config{
		DeviceType: water.TUN,
	}
	config.Name = name
	config.Persist = true

	ifce, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create tun device %s: %w", name, err)
	}
	common.LogInfo("Provisioned tun device %s", ifce.Name())

	dev := &Device{name: ifce.Name(), mtu: mtu, dev: ifce}
	if mtu > 0 {
		link, err := netlink.LinkByName(dev.name)
		if err == nil {
			err = netlink.LinkSetMTU(link, mtu)
		}
		if err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("failed to set MTU on %s: %w", dev.name, err)
		}
	}
	return dev, nil
}

// Close releases the device and removes the persistent interface.
func (d *Device) Close() error {
	if d == nil || d.dev == nil {
		return nil
	}
	closeErr := d.dev.Close()
	d.dev = nil

	link, err := netlink.LinkByName(d.name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return closeErr
		}
		return err
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to remove tun device %s: %w", d.name, err)
	}
	common.LogInfo("Removed tun device %s", d.name)
	return closeErr
}

// ReadCounters returns the traffic counters of the named interface.
func ReadCounters(name string) (Counters, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Counters{}, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return Counters{}, fmt.Errorf("%w: no statistics for %s", common.ErrUnsupported, name)
	}
	return Counters{
		RxBytes:   stats.RxBytes,
		TxBytes:   stats.TxBytes,
		RxPackets: stats.RxPackets,
		TxPackets: stats.TxPackets,
	}, nil
}

// FindByAddress returns the interface carrying ip, or "" if none does.
func FindByAddress(ip string) (string, error) {
	want := net.ParseIP(ip)
	if want == nil {
		return "", fmt.Errorf("invalid address %q", ip)
	}
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return "", fmt.Errorf("failed to list addresses: %w", err)
	}
	for _, addr := range addrs {
		if addr.IP.Equal(want) {
			link, err := netlink.LinkByIndex(addr.LinkIndex)
			if err != nil {
				return "", err
			}
			return link.Attrs().Name, nil
		}
	}
	return "", nil
}
