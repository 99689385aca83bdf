package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/yllada/openconnect-core/events"
)

func openMemory(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorder_Session(t *testing.T) {
	r := openMemory(t)
	h := r.Handlers()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ev := func(kind events.Kind, offset time.Duration) events.Event {
		return events.Event{
			Kind:      kind,
			AttemptID: "attempt-1",
			Time:      base.Add(offset),
			Server:    "vpn.example.com",
			Protocol:  "anyconnect",
		}
	}

	connected := ev(events.KindConnected, time.Second)
	connected.Interface, connected.Address = "tun0", "10.1.2.3"
	stats := ev(events.KindStatsUpdated, 5*time.Second)
	stats.Stats = events.Stats{BytesIn: 4096, BytesOut: 1024}
	final := ev(events.KindDisconnected, time.Minute)
	final.Reason = "cancelled"
	final.Stats = events.Stats{BytesIn: 8192, BytesOut: 2048}

	for _, e := range []events.Event{connected, stats, ev(events.KindReconnecting, 10*time.Second), final} {
		if action := h.Dispatch(e); action != events.ActionContinue {
			t.Fatalf("Dispatch(%s) = %v, want Continue", e.Kind, action)
		}
	}

	sessions, err := r.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.AttemptID != "attempt-1" || s.Server != "vpn.example.com" || s.Protocol != "anyconnect" {
		t.Errorf("session identity = %+v", s)
	}
	if s.Interface != "tun0" || s.Address != "10.1.2.3" {
		t.Errorf("tunnel = %s %s", s.Interface, s.Address)
	}
	if s.BytesIn != 8192 || s.BytesOut != 2048 {
		t.Errorf("bytes = %d/%d, want 8192/2048", s.BytesIn, s.BytesOut)
	}
	if s.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", s.Reconnects)
	}
	if s.Outcome != OutcomeDisconnected || s.Reason != "cancelled" {
		t.Errorf("outcome = %s (%s)", s.Outcome, s.Reason)
	}
	if !s.StartedAt.Equal(base.Add(time.Second)) {
		t.Errorf("StartedAt = %v", s.StartedAt)
	}
	if got := s.Duration(); got != 59*time.Second {
		t.Errorf("Duration() = %v, want 59s", got)
	}
}

func TestRecorder_FailedAttempts(t *testing.T) {
	r := openMemory(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	failed := events.Event{
		Kind:      events.KindConnectionFailed,
		AttemptID: "attempt-1",
		Time:      base,
		Server:    "vpn.example.com",
		Protocol:  "gp",
		Reason:    "authentication rejected",
		Err:       errors.New("vpn init: authentication rejected"),
	}
	dropped := events.Event{
		Kind:      events.KindDisconnected,
		AttemptID: "attempt-2",
		Time:      base.Add(time.Hour),
		Server:    "vpn.example.com",
		Protocol:  "gp",
		Reason:    "engine failure",
		Err:       errors.New("vpn run: engine failure"),
	}
	for _, ev := range []events.Event{failed, dropped} {
		if err := r.Record(ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	sessions, err := r.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].AttemptID != "attempt-2" {
		t.Errorf("newest session = %s, want attempt-2", sessions[0].AttemptID)
	}
	for _, s := range sessions {
		if s.Outcome != OutcomeFailed {
			t.Errorf("%s outcome = %s, want failed", s.AttemptID, s.Outcome)
		}
		if s.Duration() != 0 {
			t.Errorf("%s never connected, Duration() = %v", s.AttemptID, s.Duration())
		}
	}
	if sessions[1].Reason != "vpn init: authentication rejected" {
		t.Errorf("Reason = %q", sessions[1].Reason)
	}

	limited, err := r.Recent(1)
	if err != nil || len(limited) != 1 {
		t.Errorf("Recent(1) = %d sessions, %v", len(limited), err)
	}

	n, err := r.Prune(base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("Prune() = %d, %v, want 1", n, err)
	}
}

func TestRecorder_MissingAttempt(t *testing.T) {
	r := openMemory(t)
	if err := r.Record(events.Event{Kind: events.KindConnected}); err == nil {
		t.Error("Record() without attempt ID should fail")
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := r.Record(events.Event{Kind: events.KindConnected, AttemptID: "a", Server: "s", Protocol: "p"}); err != nil {
		t.Fatal(err)
	}
	r.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	sessions, err := reopened.Recent(5)
	if err != nil || len(sessions) != 1 {
		t.Errorf("Recent() after reopen = %d, %v", len(sessions), err)
	}
}
