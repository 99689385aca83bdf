package events

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yllada/openconnect-core/config"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindConnected, "Connected"},
		{KindDisconnected, "Disconnected"},
		{KindConnectionFailed, "ConnectionFailed"},
		{KindAuthRetryRequested, "AuthRetryRequested"},
		{KindStatsUpdated, "StatsUpdated"},
		{KindCertificateTrustRequested, "CertificateTrustRequested"},
		{KindReconnecting, "Reconnecting"},
		{Kind(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		actions []Action
		want    Action
	}{
		{"empty", nil, ActionContinue},
		{"accept wins over continue", []Action{ActionContinue, ActionAccept}, ActionAccept},
		{"reject wins over accept", []Action{ActionAccept, ActionReject}, ActionReject},
		{"cancel wins", []Action{ActionCancel, ActionReject, ActionAccept}, ActionCancel},
		{"out of range ignored", []Action{Action(42), ActionAccept}, ActionAccept},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Merge(tt.actions...); got != tt.want {
				t.Errorf("Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatch_EmptySlots(t *testing.T) {
	var nilHandlers *EventHandlers
	if got := nilHandlers.Dispatch(Event{Kind: KindConnected}); got != ActionContinue {
		t.Errorf("nil handlers Dispatch() = %v, want continue", got)
	}

	h := &EventHandlers{}
	for k := KindConnected; k <= KindReconnecting; k++ {
		if got := h.Dispatch(Event{Kind: k}); got != ActionContinue {
			t.Errorf("Dispatch(%v) = %v, want continue", k, got)
		}
	}
}

func TestDispatch_RoutesByKind(t *testing.T) {
	var seen []Kind
	record := func(ev Event) Action {
		seen = append(seen, ev.Kind)
		return ActionContinue
	}
	h := &EventHandlers{
		OnConnected:                 record,
		OnDisconnected:              record,
		OnConnectionFailed:          record,
		OnAuthRetryRequested:        record,
		OnStatsUpdated:              record,
		OnCertificateTrustRequested: record,
		OnReconnecting:              record,
	}

	for k := KindConnected; k <= KindReconnecting; k++ {
		h.Dispatch(Event{Kind: k})
	}
	h.Dispatch(Event{Kind: Kind(99)})

	if len(seen) != 7 {
		t.Fatalf("dispatched %d events, want 7", len(seen))
	}
	for i, k := range seen {
		if k != Kind(i) {
			t.Errorf("event %d routed as %v", i, k)
		}
	}
}

func TestChain(t *testing.T) {
	var calls []string
	first := &EventHandlers{
		OnCertificateTrustRequested: func(Event) Action {
			calls = append(calls, "first")
			return ActionAccept
		},
	}
	second := &EventHandlers{
		OnCertificateTrustRequested: func(Event) Action {
			calls = append(calls, "second")
			return ActionCancel
		},
		OnConnected: func(Event) Action {
			calls = append(calls, "connected")
			return ActionContinue
		},
	}

	chained := Chain(first, nil, second)

	if got := chained.Dispatch(Event{Kind: KindCertificateTrustRequested}); got != ActionCancel {
		t.Errorf("Dispatch() = %v, want cancel", got)
	}
	if strings.Join(calls, ",") != "first,second" {
		t.Errorf("calls = %v, want first,second", calls)
	}

	calls = nil
	chained.Dispatch(Event{Kind: KindConnected})
	if len(calls) != 1 || calls[0] != "connected" {
		t.Errorf("calls = %v, want [connected]", calls)
	}
	if chained.OnStatsUpdated != nil {
		t.Error("slots without handlers should stay nil")
	}
}

func TestAuthRetry_Supply(t *testing.T) {
	retry := NewAuthRetry(1, 3, "alice", "Login failed")

	if _, ok := retry.Supplied(); ok {
		t.Error("Supplied() should be empty before Supply")
	}
	if retry.Supply(nil) {
		t.Error("Supply(nil) should be refused")
	}

	creds := config.PasswordCredentials{Username: "alice", Password: "second"}
	if !retry.Supply(creds) {
		t.Fatal("first Supply() should succeed")
	}
	if retry.Supply(config.PasswordCredentials{Username: "alice", Password: "third"}) {
		t.Error("second Supply() should be refused")
	}

	got, ok := retry.Supplied()
	if !ok {
		t.Fatal("Supplied() should return the credentials")
	}
	if got.(config.PasswordCredentials).Password != "second" {
		t.Errorf("Supplied() = %v, want the first credentials", got)
	}

	var nilRetry *AuthRetry
	if nilRetry.Supply(creds) {
		t.Error("Supply on nil request should fail")
	}
}

func TestEventString(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Kind: KindStatsUpdated, Stats: Stats{BytesIn: 10, BytesOut: 20}}, "in=10 out=20"},
		{Event{Kind: KindCertificateTrustRequested, Fingerprint: "pin-sha256:abc"}, "pin-sha256:abc"},
		{Event{Kind: KindConnectionFailed, Reason: "handshake", Err: errors.New("boom")}, "handshake: boom"},
		{Event{Kind: KindAuthRetryRequested, Auth: NewAuthRetry(2, 3, "", "")}, "attempt 2/3"},
		{Event{Kind: KindReconnecting, Reconnect: 4}, "#4"},
	}

	for _, tt := range tests {
		t.Run(tt.ev.Kind.String(), func(t *testing.T) {
			if got := tt.ev.String(); !strings.Contains(got, tt.want) {
				t.Errorf("String() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestLogging(t *testing.T) {
	h := Logging()
	for k := KindConnected; k <= KindReconnecting; k++ {
		if got := h.Dispatch(Event{Kind: k}); got != ActionContinue {
			t.Errorf("Logging handler for %v returned %v", k, got)
		}
	}
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) add(level, msg string, args ...interface{}) {
	l.lines = append(l.lines, level+" "+fmt.Sprintf(msg, args...))
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) { l.add("DEBUG", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...interface{})  { l.add("INFO", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...interface{})  { l.add("WARN", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...interface{}) { l.add("ERROR", msg, args...) }

func TestLoggingTo(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Kind: KindConnected, Server: "vpn.example.com"}, "INFO Event: Connected to vpn.example.com"},
		{Event{Kind: KindDisconnected, Reason: "cancelled"}, "INFO Event: Disconnected: cancelled"},
		{Event{Kind: KindDisconnected, Reason: "engine failure", Err: errors.New("exit status 1")}, "WARN Event: Disconnected: engine failure"},
		{Event{Kind: KindConnectionFailed, Reason: "handshake failed"}, "ERROR Event: ConnectionFailed"},
		{Event{Kind: KindStatsUpdated}, "DEBUG Event: StatsUpdated"},
		{Event{Kind: KindCertificateTrustRequested, Fingerprint: "pin-sha256:abc"}, "WARN Event: CertificateTrustRequested"},
	}

	for _, tt := range tests {
		t.Run(tt.ev.Kind.String(), func(t *testing.T) {
			var l recordingLogger
			if got := LoggingTo(&l).Dispatch(tt.ev); got != ActionContinue {
				t.Errorf("Dispatch() = %v, want continue", got)
			}
			if len(l.lines) != 1 || !strings.HasPrefix(l.lines[0], tt.want) {
				t.Errorf("logged %q, want a line starting with %q", l.lines, tt.want)
			}
		})
	}
}
