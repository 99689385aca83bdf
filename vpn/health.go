package vpn

import (
	"context"
	"net"
	"time"

	"github.com/yllada/openconnect-core/common"
)

// HealthState represents the current health state of a tunnel.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthProber tests connectivity through the tunnel.
type HealthProber interface {
	// Probe returns the latency to the first reachable host.
	Probe(ctx context.Context, hosts []string) (time.Duration, error)
}

// DialProber probes hosts with TCP connects.
type DialProber struct {
	Timeout time.Duration
}

// Probe tries each host until one accepts a connection.
func (p DialProber) Probe(ctx context.Context, hosts []string) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	for _, host := range hosts {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, common.ErrHealthCheckFailed
}

// HealthStatus is a snapshot of the monitor's counters.
type HealthStatus struct {
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// HealthMonitor tracks tunnel health across periodic probes. It is driven
// by the connection loop and is not safe for concurrent use.
type HealthMonitor struct {
	interval  time.Duration
	threshold int
	hosts     []string
	prober    HealthProber
	next      time.Time
	status    HealthStatus
}

// NewHealthMonitor creates a monitor that probes hosts every interval and
// reports HealthUnhealthy after threshold consecutive failures.
func NewHealthMonitor(interval time.Duration, threshold int, hosts []string, prober HealthProber) *HealthMonitor {
	if prober == nil {
		prober = DialProber{}
	}
	if threshold < 1 {
		threshold = common.HealthFailureThreshold
	}
	return &HealthMonitor{
		interval:  interval,
		threshold: threshold,
		hosts:     append([]string(nil), hosts...),
		prober:    prober,
		next:      time.Now().Add(interval),
	}
}

// Due reports whether a probe should run at now.
func (m *HealthMonitor) Due(now time.Time) bool {
	return !now.Before(m.next)
}

// Check probes connectivity and returns the resulting state.
func (m *HealthMonitor) Check(ctx context.Context, now time.Time) HealthState {
	m.next = now.Add(m.interval)
	latency, err := m.prober.Probe(ctx, m.hosts)

	oldState := m.status.State
	m.status.LastCheck = now
	if err != nil {
		if ctx.Err() != nil {
			return m.status.State
		}
		m.status.ConsecutiveFails++
		m.status.Latency = 0
		common.LogWarn("Health check failed (attempt %d/%d): %v", m.status.ConsecutiveFails, m.threshold, err)

		if m.status.ConsecutiveFails >= m.threshold {
			m.status.State = HealthUnhealthy
		} else {
			m.status.State = HealthDegraded
		}
	} else {
		m.status.ConsecutiveFails = 0
		m.status.LastSuccess = now
		m.status.Latency = latency
		m.status.State = HealthHealthy
	}

	if oldState != m.status.State {
		common.LogInfo("Health state changed: %s -> %s", oldState, m.status.State)
	}
	return m.status.State
}

// Reset clears the failure count, typically after a reconnect.
func (m *HealthMonitor) Reset(now time.Time) {
	m.status.ConsecutiveFails = 0
	m.status.State = HealthUnknown
	m.next = now.Add(m.interval)
}

// Status returns a copy of the current counters.
func (m *HealthMonitor) Status() HealthStatus {
	return m.status
}
