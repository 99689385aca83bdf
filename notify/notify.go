// Package notify shows desktop notifications for connection events over
// the org.freedesktop.Notifications D-Bus interface.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/events"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = busName + ".Notify"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency maps to the freedesktop urgency hint: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

// FromEvent returns the notification shown for ev, if any.
func FromEvent(ev events.Event) (Notification, bool) {
	switch ev.Kind {
	case events.KindConnected:
		msg := "Connected to " + ev.Server
		if ev.Address != "" {
			msg += fmt.Sprintf(" (%s)", ev.Address)
		}
		return Notification{
			Title:   "VPN Connected",
			Message: msg,
			Type:    NotificationSuccess,
			Icon:    "network-vpn",
		}, true
	case events.KindDisconnected:
		if ev.Err != nil {
			return Notification{
				Title:   "VPN Connection Lost",
				Message: ev.Server + ": " + ev.Err.Error(),
				Type:    NotificationError,
				Icon:    "network-vpn-error",
			}, true
		}
		return Notification{
			Title:   "VPN Disconnected",
			Message: "Disconnected from " + ev.Server,
			Type:    NotificationInfo,
			Icon:    "network-vpn-disconnected",
		}, true
	case events.KindConnectionFailed:
		msg := ev.Reason
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return Notification{
			Title:   "Connection Error",
			Message: ev.Server + ": " + msg,
			Type:    NotificationError,
			Icon:    "network-vpn-error",
		}, true
	case events.KindReconnecting:
		return Notification{
			Title:   "VPN Reconnecting",
			Message: "Reconnecting to " + ev.Server + "...",
			Type:    NotificationWarning,
			Icon:    "network-vpn-acquiring",
		}, true
	}
	return Notification{}, false
}

// Notifier sends notifications on the session bus. Consecutive
// notifications replace each other.
type Notifier struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	lastID uint32
	show   func(Notification) error
}

// New connects to the session bus.
func New() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	n := &Notifier{conn: conn}
	n.show = n.send
	return n, nil
}

// Close disconnects from the bus.
func (n *Notifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// Show displays a notification.
func (n *Notifier) Show(note Notification) error {
	return n.show(note)
}

// Notify implements common.Notifier.
func (n *Notifier) Notify(title, message string) error {
	return n.Show(Notification{Title: title, Message: message})
}

// NotifyWithIcon implements common.Notifier.
func (n *Notifier) NotifyWithIcon(title, message, icon string) error {
	return n.Show(Notification{Title: title, Message: message, Icon: icon})
}

func (n *Notifier) send(note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(note.urgency()),
	}
	obj := n.conn.Object(busName, dbus.ObjectPath(objectPath))
	call := obj.Call(notifyCall, 0,
		common.AppName, n.lastID, note.icon(), note.Title, note.Message,
		[]string{}, hints, int32(-1))
	if call.Err != nil {
		return call.Err
	}
	return call.Store(&n.lastID)
}

// Handlers returns event handlers that show a notification for
// connection changes.
func (n *Notifier) Handlers() *events.EventHandlers {
	handle := func(ev events.Event) events.Action {
		note, ok := FromEvent(ev)
		if !ok {
			return events.ActionContinue
		}
		if err := n.Show(note); err != nil {
			common.LogWarn("Notify: Error showing notification: %v", err)
		}
		return events.ActionContinue
	}
	return &events.EventHandlers{
		OnConnected:        handle,
		OnDisconnected:     handle,
		OnConnectionFailed: handle,
		OnReconnecting:     handle,
	}
}
