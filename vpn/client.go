package vpn

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/events"
	"github.com/yllada/openconnect-core/protocols"
)

// Resolver looks up gateway addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithHealthProber replaces the TCP dial prober used for health checks.
func WithHealthProber(p HealthProber) Option {
	return func(c *Client) { c.prober = p }
}

// WithCommand replaces the function that builds the tunnel process.
func WithCommand(fn protocols.CommandFunc) Option {
	return func(c *Client) { c.command = fn }
}

// Client orchestrates a connection: it drives a protocol engine through
// negotiation, authentication and the tunnel loop while dispatching
// lifecycle events. InitConnection and RunLoop must be called from a
// single goroutine; Cancel and the accessors may be called from any.
type Client struct {
	cfg      *config.Config
	handlers *events.EventHandlers
	roots    *x509.CertPool
	resolver Resolver
	prober   HealthProber
	command  protocols.CommandFunc

	state atomic.Int32
	// cancelled is read without mu but only written while holding it, so
	// a Cancel and the start of an attempt are ordered.
	cancelled atomic.Bool

	mu            sync.Mutex
	cancelAttempt context.CancelFunc
	engine        protocols.Engine
	ep            *config.Entrypoint
	attemptID     string
	tunnel        protocols.TunnelInfo
	lastStats     events.Stats
	reason        string
	connectedAt   time.Time
	reconnects    int
}

// NewClient creates a client for cfg. Handlers may be nil.
func NewClient(cfg *config.Config, handlers *events.EventHandlers, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, &OrchestratorError{
			Kind: KindInvalidConfig,
			Op:   "new",
			Err:  &config.ConfigError{Field: "config", Reason: "must not be nil"},
		}
	}

	roots, err := protocols.BuildTrustPool(cfg)
	if err != nil {
		return nil, &OrchestratorError{Kind: KindInvalidConfig, Op: "new", Err: err}
	}
	common.GetLogger().SetLevel(cfg.LogLevel())

	if handlers == nil {
		handlers = &events.EventHandlers{}
	}
	c := &Client{
		cfg:      cfg,
		handlers: handlers,
		roots:    roots,
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prober == nil {
		c.prober = DialProber{Timeout: cfg.HandshakeTimeout()}
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// AttemptID returns the identifier of the current or last attempt.
func (c *Client) AttemptID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptID
}

// Tunnel returns details of the established tunnel.
func (c *Client) Tunnel() protocols.TunnelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnel
}

// LastStats returns the most recent traffic counters.
func (c *Client) LastStats() events.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// DisconnectReason describes why the last attempt or session ended.
func (c *Client) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Uptime returns how long the tunnel has been up.
func (c *Client) Uptime() time.Duration {
	if c.State() != StateConnected {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.connectedAt)
}

// Cancel aborts the attempt in progress or ends the running session. It
// is idempotent and safe to call from any goroutine. A Cancel that
// returns before InitConnection has started its attempt applies to the
// previous attempt only.
func (c *Client) Cancel() {
	c.mu.Lock()
	if c.cancelled.Swap(true) {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelAttempt
	c.mu.Unlock()

	common.LogInfo("VPN: Cancellation requested")
	if cancel != nil {
		cancel()
	}
}

// InitConnection runs a connection attempt up to an established tunnel.
// On failure the engine is destroyed, the client is left in StateFailed
// and a ConnectionFailed event is dispatched before the error returns.
func (c *Client) InitConnection(ctx context.Context, ep *config.Entrypoint) error {
	if ep == nil {
		return &OrchestratorError{Kind: KindInvalidConfig, Op: "init", Err: &config.EntrypointError{Field: "entrypoint"}}
	}
	if cur := c.State(); !cur.CanConnect() {
		return &OrchestratorError{Kind: KindInvalidState, Op: "init", State: cur}
	}
	descriptor, ok := ep.Protocol().(protocols.Descriptor)
	if !ok {
		return &OrchestratorError{
			Kind: KindUnsupported,
			Op:   "init",
			Err:  fmt.Errorf("%w: protocol %q cannot create engines", common.ErrUnsupported, ep.Protocol().Name()),
		}
	}

	c.destroyEngine()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelled.Store(false)
	c.cancelAttempt = cancel
	c.attemptID = common.GenerateID()
	c.ep = ep
	c.tunnel = protocols.TunnelInfo{}
	c.lastStats = events.Stats{}
	c.reason = ""
	c.reconnects = 0
	c.mu.Unlock()

	c.transition(StateConnecting)
	common.LogInfo("VPN: Starting connection to %s (%s), attempt %s", ep.Server(), descriptor.Name(), c.AttemptID())

	if err := c.connect(attemptCtx, descriptor, ep); err != nil {
		return c.fail(err)
	}

	action := c.dispatch(events.Event{
		Kind:      events.KindConnected,
		Interface: c.Tunnel().Interface,
		Address:   c.Tunnel().Address,
	})
	if action == events.ActionCancel {
		return c.teardown(StateFailed, "cancelled by handler", &OrchestratorError{Kind: KindCancelled, Op: "init"})
	}
	return nil
}

func (c *Client) connect(ctx context.Context, descriptor protocols.Descriptor, ep *config.Entrypoint) error {
	addrs, err := c.resolver.LookupHost(ctx, ep.Host())
	if err != nil {
		if c.isCancelled(ctx) {
			return common.ErrCancelled
		}
		return protocols.ResolveError(descriptor.Name(), ep.Host(), err)
	}
	common.LogDebug("VPN: %s resolved to %v", ep.Host(), addrs)

	req := protocols.Request{
		Entrypoint: ep,
		Config:     c.cfg,
		RootCAs:    c.roots,
		Addrs:      addrs,
		Command:    c.command,
	}
	engine, err := descriptor.Instantiate(ctx, req)
	if perr, ok := protocols.IsCertificateUntrusted(err); ok {
		engine, err = c.resolveTrust(ctx, descriptor, req, perr)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()

	if c.isCancelled(ctx) {
		return common.ErrCancelled
	}
	c.transition(StateAuthenticating)

	if err := c.authenticate(ctx, engine, ep.Credentials()); err != nil {
		return err
	}
	if c.isCancelled(ctx) {
		return common.ErrCancelled
	}

	info, err := engine.Start(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tunnel = info
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.transition(StateConnected)
	common.LogInfo("VPN: Connected to %s on %s as %s", ep.Host(), info.Interface, info.Address)
	return nil
}

// resolveTrust asks the application whether to trust an unverifiable
// gateway certificate and retries with the certificate pinned if so.
func (c *Client) resolveTrust(ctx context.Context, descriptor protocols.Descriptor, req protocols.Request, perr *protocols.ProtocolError) (protocols.Engine, error) {
	action := c.dispatch(events.Event{
		Kind:        events.KindCertificateTrustRequested,
		Fingerprint: perr.Fingerprint,
		Subject:     perr.Subject,
	})

	switch {
	case action == events.ActionCancel:
		return nil, common.ErrCancelled
	case action == events.ActionReject:
		common.LogWarn("VPN: Certificate %s rejected by handler", perr.Fingerprint)
		return nil, perr
	case action == events.ActionAccept, req.Entrypoint.AcceptInsecureCert():
		common.LogWarn("VPN: Trusting unverified certificate %s (%s)", perr.Subject, perr.Fingerprint)
		req.PinnedCert = perr.Fingerprint
		return descriptor.Instantiate(ctx, req)
	}
	return nil, perr
}

func (c *Client) authenticate(ctx context.Context, engine protocols.Engine, creds config.Credentials) error {
	maxRetries := c.cfg.MaxAuthRetries()
	for attempt := 1; ; attempt++ {
		err := engine.Authenticate(ctx, creds)
		if err == nil {
			return nil
		}
		if !protocols.IsRetryableAuth(err) || attempt > maxRetries || c.isCancelled(ctx) {
			return err
		}
		common.LogWarn("VPN: Authentication failed (attempt %d/%d): %v", attempt, maxRetries+1, err)

		identity := ""
		if creds != nil {
			identity = creds.Identity()
		}
		retry := events.NewAuthRetry(attempt, maxRetries, identity, err.Error())
		action := c.dispatch(events.Event{Kind: events.KindAuthRetryRequested, Auth: retry, Err: err})
		if action == events.ActionCancel {
			return common.ErrCancelled
		}
		next, ok := retry.Supplied()
		if !ok {
			return err
		}
		creds = next
	}
}

// fail ends a connection attempt.
func (c *Client) fail(err error) error {
	oerr := classify("init", err, c.cancelled.Load())
	c.destroyEngine()
	c.transition(StateFailed)

	c.mu.Lock()
	c.reason = oerr.Error()
	c.mu.Unlock()

	common.LogError("VPN ERROR: %v", oerr)
	c.dispatch(events.Event{
		Kind:   events.KindConnectionFailed,
		Reason: oerr.Kind.String(),
		Err:    oerr,
	})
	return oerr
}

// RunLoop services the established tunnel until it ends. It returns nil
// when the session is cancelled or the gateway disconnects, and an
// OrchestratorError when a handler cancels or the engine fails.
func (c *Client) RunLoop(ctx context.Context) error {
	if cur := c.State(); cur != StateConnected {
		return &OrchestratorError{Kind: KindInvalidState, Op: "run", State: cur}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelAttempt = cancel
	engine := c.engine
	c.mu.Unlock()

	statsInterval := c.cfg.StatsInterval()
	nextStats := time.Now().Add(statsInterval)

	var health *HealthMonitor
	if c.cfg.HealthCheckInterval() > 0 {
		health = NewHealthMonitor(c.cfg.HealthCheckInterval(), c.cfg.HealthFailureThreshold(), c.cfg.HealthTestHosts(), c.prober)
	}

	common.LogInfo("VPN: Session %s running", c.AttemptID())
	for {
		if c.isCancelled(loopCtx) {
			return c.teardown(StateDisconnected, "cancelled", nil)
		}

		activity, err := engine.Poll(loopCtx, c.cfg.PollInterval())
		if err != nil {
			if c.isCancelled(loopCtx) {
				continue
			}
			return c.teardown(StateFailed, "engine failure", &OrchestratorError{Kind: KindEngineFailure, Op: "run", Err: err})
		}

		switch activity {
		case protocols.ActivityPeerDisconnected:
			return c.teardown(StateDisconnected, "peer disconnected", nil)
		case protocols.ActivityReconnecting:
			if c.onReconnecting() == events.ActionCancel {
				return c.handlerCancelled()
			}
		case protocols.ActivityReconnected:
			if health != nil {
				health.Reset(time.Now())
			}
		}

		now := time.Now()
		if statsInterval > 0 && !now.Before(nextStats) {
			nextStats = now.Add(statsInterval)
			if c.updateStats(engine) == events.ActionCancel {
				return c.handlerCancelled()
			}
		}

		if health != nil && health.Due(now) && health.Check(loopCtx, now) == HealthUnhealthy {
			if c.isCancelled(loopCtx) {
				continue
			}
			reconnector, ok := engine.(protocols.Reconnector)
			if !ok {
				return c.teardown(StateFailed, "health check failed",
					&OrchestratorError{Kind: KindEngineFailure, Op: "run", Err: common.ErrHealthCheckFailed})
			}
			if err := reconnector.Reconnect(); err != nil {
				return c.teardown(StateFailed, "reconnect failed", &OrchestratorError{Kind: KindEngineFailure, Op: "run", Err: err})
			}
			health.Reset(now)
			if c.onReconnecting() == events.ActionCancel {
				return c.handlerCancelled()
			}
		}
	}
}

func (c *Client) onReconnecting() events.Action {
	c.mu.Lock()
	c.reconnects++
	n := c.reconnects
	c.mu.Unlock()
	return c.dispatch(events.Event{Kind: events.KindReconnecting, Reconnect: n})
}

func (c *Client) handlerCancelled() error {
	return c.teardown(StateFailed, "cancelled by handler", &OrchestratorError{Kind: KindCancelled, Op: "run"})
}

func (c *Client) updateStats(engine protocols.Engine) events.Action {
	stats, err := engine.Stats()
	if err != nil {
		common.LogDebug("VPN: Statistics unavailable: %v", err)
		return events.ActionContinue
	}
	snapshot := events.Stats{
		BytesIn:    stats.BytesIn,
		BytesOut:   stats.BytesOut,
		PacketsIn:  stats.PacketsIn,
		PacketsOut: stats.PacketsOut,
	}
	c.mu.Lock()
	c.lastStats = snapshot
	c.mu.Unlock()
	return c.dispatch(events.Event{Kind: events.KindStatsUpdated, Stats: snapshot})
}

// teardown ends an established session in final, dispatching exactly one
// Disconnected event. A nil oerr returns nil.
func (c *Client) teardown(final State, reason string, oerr *OrchestratorError) error {
	c.transition(StateDisconnecting)

	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		if stats, err := engine.Stats(); err == nil {
			c.mu.Lock()
			c.lastStats = events.Stats{
				BytesIn:    stats.BytesIn,
				BytesOut:   stats.BytesOut,
				PacketsIn:  stats.PacketsIn,
				PacketsOut: stats.PacketsOut,
			}
			c.mu.Unlock()
		}
	}
	c.destroyEngine()
	c.transition(final)

	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()

	ev := events.Event{Kind: events.KindDisconnected, Reason: reason, Stats: c.LastStats()}
	if oerr != nil {
		ev.Err = oerr
		common.LogError("VPN: Session ended: %v", oerr)
	} else {
		common.LogInfo("VPN: Session ended: %s", reason)
	}
	c.dispatch(ev)

	if oerr != nil {
		return oerr
	}
	return nil
}

// destroyEngine shuts down and releases the current engine, if any.
func (c *Client) destroyEngine() {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()

	if engine == nil {
		return
	}
	if err := engine.Shutdown(context.Background()); err != nil {
		common.LogWarn("VPN: Engine shutdown: %v", err)
	}
}

func (c *Client) isCancelled(ctx context.Context) bool {
	return c.cancelled.Load() || ctx.Err() != nil
}

// transition moves to next if the state table allows it.
func (c *Client) transition(next State) bool {
	cur := c.State()
	if !cur.CanTransitionTo(next) {
		common.LogError("VPN: Refusing invalid state transition %s -> %s", cur, next)
		return false
	}
	c.state.Store(int32(next))
	common.LogDebug("VPN: State %s -> %s", cur, next)
	return true
}

// dispatch fills the attempt fields of ev and runs the handlers.
func (c *Client) dispatch(ev events.Event) events.Action {
	c.mu.Lock()
	ev.AttemptID = c.attemptID
	if c.ep != nil {
		ev.Server = c.ep.Host()
		ev.Protocol = c.ep.Protocol().Name()
	}
	c.mu.Unlock()
	ev.Time = time.Now()
	return c.handlers.Dispatch(ev)
}
