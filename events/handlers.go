package events

import (
	"github.com/yllada/openconnect-core/common"
)

// Handler observes an event and answers with an Action.
type Handler func(Event) Action

// EventHandlers holds one optional handler per event kind. A nil slot
// behaves as a handler returning ActionContinue. Handlers run on the
// goroutine driving the connection and must not block for long.
type EventHandlers struct {
	OnConnected                 Handler
	OnDisconnected              Handler
	OnConnectionFailed          Handler
	OnAuthRetryRequested        Handler
	OnStatsUpdated              Handler
	OnCertificateTrustRequested Handler
	OnReconnecting              Handler
}

// slot returns the handler registered for kind.
func (h *EventHandlers) slot(kind Kind) Handler {
	if h == nil {
		return nil
	}
	switch kind {
	case KindConnected:
		return h.OnConnected
	case KindDisconnected:
		return h.OnDisconnected
	case KindConnectionFailed:
		return h.OnConnectionFailed
	case KindAuthRetryRequested:
		return h.OnAuthRetryRequested
	case KindStatsUpdated:
		return h.OnStatsUpdated
	case KindCertificateTrustRequested:
		return h.OnCertificateTrustRequested
	case KindReconnecting:
		return h.OnReconnecting
	}
	return nil
}

// Dispatch invokes the handler for ev.Kind synchronously and returns its
// action. Unknown kinds and empty slots yield ActionContinue.
func (h *EventHandlers) Dispatch(ev Event) Action {
	fn := h.slot(ev.Kind)
	if fn == nil {
		return ActionContinue
	}
	return fn(ev)
}

// Chain combines handler sets. Every set sees every event in argument
// order and the combined action is the one with the highest precedence.
func Chain(sets ...*EventHandlers) *EventHandlers {
	var live []*EventHandlers
	for _, s := range sets {
		if s != nil {
			live = append(live, s)
		}
	}

	join := func(kind Kind) Handler {
		var fns []Handler
		for _, s := range live {
			if fn := s.slot(kind); fn != nil {
				fns = append(fns, fn)
			}
		}
		switch len(fns) {
		case 0:
			return nil
		case 1:
			return fns[0]
		}
		return func(ev Event) Action {
			result := ActionContinue
			for _, fn := range fns {
				result = Merge(result, fn(ev))
			}
			return result
		}
	}

	return &EventHandlers{
		OnConnected:                 join(KindConnected),
		OnDisconnected:              join(KindDisconnected),
		OnConnectionFailed:          join(KindConnectionFailed),
		OnAuthRetryRequested:        join(KindAuthRetryRequested),
		OnStatsUpdated:              join(KindStatsUpdated),
		OnCertificateTrustRequested: join(KindCertificateTrustRequested),
		OnReconnecting:              join(KindReconnecting),
	}
}

// Logging returns handlers that write every event to the application log.
func Logging() *EventHandlers {
	return LoggingTo(common.GetLogger())
}

// LoggingTo returns handlers that write every event to l. Failures are
// logged as errors and untrusted certificates as warnings.
func LoggingTo(l common.Logger) *EventHandlers {
	info := func(ev Event) Action {
		l.Info("Event: %s", ev)
		return ActionContinue
	}
	return &EventHandlers{
		OnConnected: info,
		OnDisconnected: func(ev Event) Action {
			if ev.Err != nil {
				l.Warn("Event: %s", ev)
			} else {
				l.Info("Event: %s", ev)
			}
			return ActionContinue
		},
		OnConnectionFailed: func(ev Event) Action {
			l.Error("Event: %s", ev)
			return ActionContinue
		},
		OnAuthRetryRequested: info,
		OnStatsUpdated: func(ev Event) Action {
			l.Debug("Event: %s", ev)
			return ActionContinue
		},
		OnCertificateTrustRequested: func(ev Event) Action {
			l.Warn("Event: %s", ev)
			return ActionContinue
		},
		OnReconnecting: info,
	}
}
