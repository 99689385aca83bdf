package protocols

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/tundev"
)

// outputBuffer bounds the lines queued between the output monitors and
// the driver.
const outputBuffer = 256

// openConnectEngine drives the openconnect binary. Authentication either
// happens natively (AnyConnect) or through openconnect --authenticate;
// the tunnel itself runs as a child process fed the session cookie.
type openConnectEngine struct {
	caps    Capabilities
	req     Request
	probe   *ProbeResult
	command CommandFunc

	cookie     string
	connectURL string
	resolve    string

	mu         sync.Mutex
	cmd        *exec.Cmd
	procCancel context.CancelFunc
	lines      chan string
	exited     chan struct{}
	done       chan struct{}
	waitErr    error
	stopped    bool
	tun        *tundev.Device

	info         TunnelInfo
	terminated   bool
	reconnecting bool
	failure      *ProtocolError
}

func newOpenConnectEngine(ctx context.Context, caps Capabilities, req Request) (Engine, error) {
	probe, err := Probe(ctx, caps.Name, req)
	if err != nil {
		return nil, err
	}

	return newEngine(caps, req, probe), nil
}

func newEngine(caps Capabilities, req Request, probe *ProbeResult) *openConnectEngine {
	host, _, _ := net.SplitHostPort(probe.Addr)
	return &openConnectEngine{
		caps:    caps,
		req:     req,
		probe:   probe,
		command: req.command(),
		resolve: req.Entrypoint.Host() + ":" + host,
		lines:   make(chan string, outputBuffer),
		done:    make(chan struct{}),
	}
}

// Authenticate obtains a session cookie.
func (e *openConnectEngine) Authenticate(ctx context.Context, creds config.Credentials) error {
	if timeout := e.req.Config.AuthTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch c := creds.(type) {
	case config.CookieCredentials:
		e.cookie = c.Cookie
		return nil
	case config.PasswordCredentials:
		if e.caps.Name == "anyconnect" {
			return e.loginAnyConnect(ctx, c)
		}
	case nil:
		if e.caps.RequiresCredentials {
			return &ProtocolError{Kind: KindAuthRejected, Protocol: e.caps.Name, Message: "no credentials"}
		}
	}
	return e.runAuthenticate(ctx, creds)
}

func (e *openConnectEngine) loginAnyConnect(ctx context.Context, creds config.PasswordCredentials) error {
	auth, err := newAnyConnectAuth(e.req, e.probe)
	if err != nil {
		return err
	}
	defer auth.CloseIdleConnections()

	token, err := auth.Login(ctx, creds)
	if err != nil {
		return e.contextError(ctx, err)
	}
	e.cookie = token
	return nil
}

func (e *openConnectEngine) runAuthenticate(ctx context.Context, creds config.Credentials) error {
	ep := e.req.Entrypoint
	args := append(e.baseArgs(), "--authenticate")

	var stdin string
	switch c := creds.(type) {
	case config.PasswordCredentials:
		args = append(args, "--user", c.Username, "--passwd-on-stdin")
		stdin = c.Password + "\n"
	case config.CertificateCredentials:
		args = append(args, "--certificate", c.CertFile)
		if c.KeyFile != "" {
			args = append(args, "--sslkey", c.KeyFile)
		}
		if c.Username != "" {
			args = append(args, "--user", c.Username)
		}
	}
	if group := ep.Group(); group != "" {
		args = append(args, "--authgroup", group)
	}
	args = append(args, "--resolve", e.resolve, ep.Server())

	cmd := e.command(ctx, e.req.Config.OpenConnectPath(), args...)
	setProcessEnv(cmd)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	common.LogDebug("VPN: Running %s --authenticate for %s", e.caps.Name, ep.Host())
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return e.contextError(ctx, ctx.Err())
	}

	result := parseAuthOutput(&stdout)
	if runErr == nil && result.Cookie != "" {
		e.cookie = result.Cookie
		e.connectURL = result.ConnectURL
		if result.Resolve != "" {
			e.resolve = result.Resolve
		}
		return nil
	}

	var failure *ProtocolError
	lastLine := ""
	for _, line := range strings.Split(stderr.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lastLine = strings.TrimSpace(line)
		common.LogDebug("openconnect: %s", lastLine)
		if f := parseLine(line).failure(e.caps.Name); f != nil {
			failure = f
		}
	}
	if failure != nil {
		return failure
	}
	if lastLine == "" {
		lastLine = "authentication produced no session cookie"
	}
	return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonProtocol, Protocol: e.caps.Name, Message: lastLine, Err: runErr}
}

// Start launches the tunnel process and waits for it to report the
// tunnel as configured.
func (e *openConnectEngine) Start(ctx context.Context) (TunnelInfo, error) {
	if e.cookie == "" && e.caps.RequiresCredentials {
		return TunnelInfo{}, fmt.Errorf("%w: engine is not authenticated", common.ErrInvalidState)
	}
	cfg := e.req.Config
	if timeout := cfg.ConnectTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if cfg.ProvisionTun() {
		dev, err := tundev.Provision(cfg.InterfaceName(), cfg.MTU())
		if err != nil {
			return TunnelInfo{}, fmt.Errorf("%w: %v", common.ErrEngineFailure, err)
		}
		e.tun = dev
	}

	if err := e.spawn(); err != nil {
		e.closeTun()
		return TunnelInfo{}, err
	}

	for {
		select {
		case <-ctx.Done():
			err := e.contextError(ctx, ctx.Err())
			_ = e.Shutdown(context.Background())
			return TunnelInfo{}, err
		case line := <-e.lines:
			parsed := parseLine(line)
			if parsed.kind == lineConnected {
				e.setConnected(parsed)
				common.LogInfo("VPN: Tunnel established on %s as %s", e.info.Interface, e.info.Address)
				return e.info, nil
			}
			if f := parsed.failure(e.caps.Name); f != nil {
				e.failure = f
			}
		case <-e.exited:
			e.drainLines(func(l outputLine) {
				if f := l.failure(e.caps.Name); f != nil {
					e.failure = f
				}
			})
			_ = e.Shutdown(context.Background())

			failure := e.failure
			if failure == nil {
				failure = &ProtocolError{
					Kind:     KindHandshakeFailed,
					Reason:   ReasonProtocol,
					Protocol: e.caps.Name,
					Message:  "tunnel process exited before the tunnel came up",
					Err:      e.exitErr(),
				}
			}
			// New credentials cannot revive a rejected cookie.
			failure.Retryable = false
			return TunnelInfo{}, failure
		}
	}
}

func (e *openConnectEngine) startArgs() []string {
	cfg := e.req.Config
	ep := e.req.Entrypoint

	args := append(e.baseArgs(), "--cookie-on-stdin")
	if !ep.EnableUDP() {
		args = append(args, "--no-dtls")
	}
	if name := cfg.InterfaceName(); name != "" {
		args = append(args, "--interface", name)
	}
	if script := cfg.ScriptPath(); script != "" {
		args = append(args, "--script", script)
	}
	if mtu := cfg.MTU(); mtu > 0 {
		args = append(args, "--mtu", strconv.Itoa(mtu))
	}
	if e.resolve != "" {
		args = append(args, "--resolve", e.resolve)
	}
	args = append(args, cfg.ExtraArgs()...)

	target := e.connectURL
	if target == "" {
		target = ep.Server()
	}
	return append(args, target)
}

func (e *openConnectEngine) spawn() error {
	path := e.req.Config.OpenConnectPath()
	args := e.startArgs()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := e.command(procCtx, path, args...)
	setProcessEnv(cmd)
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", common.ErrEngineFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", common.ErrEngineFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", common.ErrEngineFailure, err)
	}

	common.LogDebug("VPN: Command: %s %s", path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: failed to start %s: %v", common.ErrEngineFailure, path, err)
	}
	common.LogInfo("VPN: openconnect process started with PID %d", cmd.Process.Pid)

	e.mu.Lock()
	e.cmd = cmd
	e.procCancel = cancel
	e.exited = make(chan struct{})
	e.mu.Unlock()

	cookie := e.cookie
	go func() {
		defer stdin.Close()
		fmt.Fprintf(stdin, "%s\n", cookie)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go e.monitorOutput(stdout, &wg)
	go e.monitorOutput(stderr, &wg)
	go func() {
		wg.Wait()
		err := cmd.Wait()
		e.mu.Lock()
		e.waitErr = err
		e.mu.Unlock()
		close(e.exited)
	}()
	return nil
}

// monitorOutput forwards process output to the driver.
func (e *openConnectEngine) monitorOutput(pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		common.LogDebug("openconnect: %s", line)
		select {
		case e.lines <- line:
		case <-e.done:
		}
	}
}

func (e *openConnectEngine) setConnected(l outputLine) {
	e.info.Address = l.address
	e.info.Interface = l.iface
	if e.info.Interface == "" {
		e.info.Interface = e.req.Config.InterfaceName()
	}
	if e.info.Interface == "" && l.address != "" {
		name, err := tundev.FindByAddress(l.address)
		if err != nil {
			common.LogDebug("VPN: Could not detect tunnel interface: %v", err)
		}
		e.info.Interface = name
	}
	e.info.Fingerprint = e.probe.Fingerprint
	e.info.Gateway, _, _ = net.SplitHostPort(e.probe.Addr)
}

// Poll waits up to timeout for a line of output or process exit.
func (e *openConnectEngine) Poll(ctx context.Context, timeout time.Duration) (Activity, error) {
	if e.exited == nil {
		return ActivityIdle, fmt.Errorf("%w: tunnel not started", common.ErrInvalidState)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ActivityIdle, ctx.Err()
	case line := <-e.lines:
		return e.handleLine(parseLine(line)), nil
	case <-e.exited:
		return e.exitActivity()
	case <-timer.C:
		return ActivityIdle, nil
	}
}

func (e *openConnectEngine) handleLine(l outputLine) Activity {
	switch l.kind {
	case lineTerminated:
		e.terminated = true
	case lineReconnecting:
		if !e.reconnecting {
			e.reconnecting = true
			common.LogWarn("VPN: Tunnel lost, openconnect is reconnecting")
			return ActivityReconnecting
		}
	case lineReconnected, lineConnected:
		if l.kind == lineConnected && l.address != "" {
			e.setConnected(l)
		}
		if e.reconnecting {
			e.reconnecting = false
			common.LogInfo("VPN: Tunnel re-established")
			return ActivityReconnected
		}
	default:
		if f := l.failure(e.caps.Name); f != nil {
			e.failure = f
		}
	}
	return ActivityIdle
}

func (e *openConnectEngine) exitActivity() (Activity, error) {
	e.drainLines(func(l outputLine) { e.handleLine(l) })

	waitErr := e.exitErr()
	if e.terminated || waitErr == nil {
		common.LogInfo("VPN: openconnect terminated normally")
		return ActivityPeerDisconnected, nil
	}
	if e.failure != nil {
		return ActivityIdle, fmt.Errorf("tunnel process exited: %w", e.failure)
	}
	return ActivityIdle, fmt.Errorf("%w: tunnel process exited: %v", common.ErrEngineFailure, waitErr)
}

func (e *openConnectEngine) drainLines(fn func(outputLine)) {
	for {
		select {
		case line := <-e.lines:
			fn(parseLine(line))
		default:
			return
		}
	}
}

func (e *openConnectEngine) exitErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitErr
}

// Stats reads the tunnel interface counters.
func (e *openConnectEngine) Stats() (Stats, error) {
	if e.info.Interface == "" {
		return Stats{}, fmt.Errorf("%w: tunnel interface unknown", common.ErrUnsupported)
	}
	counters, err := tundev.ReadCounters(e.info.Interface)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BytesIn:    counters.RxBytes,
		BytesOut:   counters.TxBytes,
		PacketsIn:  counters.RxPackets,
		PacketsOut: counters.TxPackets,
	}, nil
}

// Reconnect asks openconnect to drop and re-establish the tunnel.
func (e *openConnectEngine) Reconnect() error {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("%w: tunnel not started", common.ErrInvalidState)
	}
	common.LogInfo("VPN: Requesting reconnect (PID %d)", cmd.Process.Pid)
	return reconnectProcess(cmd.Process)
}

// Shutdown asks the tunnel process to log out, killing it if it does not
// exit within the disconnect timeout.
func (e *openConnectEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.done)
	cmd, cancel, exited := e.cmd, e.procCancel, e.exited
	e.mu.Unlock()

	var err error
	if cmd != nil && cmd.Process != nil {
		select {
		case <-exited:
		default:
			common.LogInfo("VPN: Terminating openconnect (PID %d)", cmd.Process.Pid)
			if termErr := terminateProcess(cmd.Process); termErr != nil && !errors.Is(termErr, os.ErrProcessDone) {
				common.LogWarn("VPN: Could not signal openconnect: %v", termErr)
			}

			timer := time.NewTimer(e.req.Config.DisconnectTimeout())
			select {
			case <-exited:
			case <-timer.C:
				common.LogWarn("VPN: openconnect did not exit in %v, killing it", e.req.Config.DisconnectTimeout())
				cancel()
				<-exited
			case <-ctx.Done():
				cancel()
				<-exited
				err = ctx.Err()
			}
			timer.Stop()
		}
	}
	if cancel != nil {
		cancel()
	}
	e.closeTun()
	return err
}

func (e *openConnectEngine) closeTun() {
	if e.tun == nil {
		return
	}
	if err := e.tun.Close(); err != nil {
		common.LogWarn("VPN: Could not remove tunnel device: %v", err)
	}
	e.tun = nil
}

// contextError maps a context failure to the error reported to callers.
func (e *openConnectEngine) contextError(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.Canceled:
		return context.Canceled
	case context.DeadlineExceeded:
		return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonTimeout, Protocol: e.caps.Name, Err: err}
	}
	return err
}

func (e *openConnectEngine) baseArgs() []string {
	cfg := e.req.Config
	args := []string{
		"--protocol=" + e.caps.Flag,
		"--non-inter",
		"--servercert", e.probe.Fingerprint,
	}
	// The configured user agent is the AnyConnect client string; other
	// gateways expect openconnect's per-protocol default.
	if e.caps.Name == "anyconnect" && cfg.UserAgent() != "" {
		args = append(args, "--useragent", cfg.UserAgent())
	}
	switch cfg.LogLevel() {
	case config.LevelDebug:
		args = append(args, "--verbose")
	case config.LevelError:
		args = append(args, "--quiet")
	}
	return args
}

// setProcessEnv prepares the environment for openconnect. OPENSSL_CONF
// is cleared unless set, since distribution OpenSSL configs can reject
// legacy gateway ciphers.
func setProcessEnv(cmd *exec.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "OPENSSL_CONF=") {
			return
		}
	}
	cmd.Env = append(cmd.Env, "OPENSSL_CONF=/dev/null")
}
