package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/events"
	"github.com/yllada/openconnect-core/keyring"
	"github.com/yllada/openconnect-core/protocols"
	"github.com/yllada/openconnect-core/vpn"
)

// EventSink is anything that observes connection events.
type EventSink interface {
	Handlers() *events.EventHandlers
}

// ConnectRequest selects a gateway and credentials. Empty fields fall
// back to the saved profile, then to the VPN_* environment variables.
type ConnectRequest struct {
	Profile        string
	Server         string
	Protocol       string
	Username       string
	Password       string
	Cookie         string
	CertFile       string
	KeyFile        string
	Group          string
	AcceptInsecure bool
	NoUDP          bool
}

// target is a resolved connection request.
type target struct {
	builder  *config.EntrypointBuilder
	profile  *vpn.Profile
	server   string
	username string
	// prompted is set when the password came from the terminal.
	prompted bool
	password string
}

// Connect establishes a tunnel and services it until ctx is done, the
// gateway disconnects or the tunnel fails.
func (c *CLI) Connect(ctx context.Context, req ConnectRequest) error {
	t, err := c.resolve(req)
	if err != nil {
		return err
	}
	ep, err := t.builder.Build()
	if err != nil {
		return err
	}

	sets := []*events.EventHandlers{events.Logging(), c.consoleHandlers(t, req.AcceptInsecure)}
	if c.History != nil {
		sets = append(sets, c.History.Handlers())
	}
	if c.Notifications != nil {
		sets = append(sets, c.Notifications.Handlers())
	}

	client, err := vpn.NewClient(c.Config, events.Chain(sets...))
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, client.Cancel)
	defer stop()

	rotateCtx, stopRotation := context.WithCancel(ctx)
	defer stopRotation()
	go common.GetLogger().WatchRotation(rotateCtx, common.LogRotationInterval)

	fmt.Fprintf(c.Out, "%s %s (%s)...\n", titleStyle.Render("Connecting to"), ep.Name(), ep.Protocol().Name())
	if err := client.InitConnection(ctx, ep); err != nil {
		return err
	}
	c.afterConnect(t)

	return client.RunLoop(ctx)
}

// resolve turns req into an entrypoint builder with credentials.
func (c *CLI) resolve(req ConnectRequest) (*target, error) {
	t := &target{}

	if req.Profile != "" {
		t.profile = c.findProfile(req.Profile)
		if t.profile == nil {
			return nil, fmt.Errorf("profile not found: %s", req.Profile)
		}
		b, err := t.profile.EntrypointBuilder()
		if err != nil {
			return nil, err
		}
		t.builder = b
		t.server = t.profile.Server
		t.username = t.profile.Username
	} else {
		t.server = firstNonEmpty(req.Server, c.getenv(common.EnvServer))
		if t.server == "" {
			return nil, fmt.Errorf("no server given: use --server, a profile or %s", common.EnvServer)
		}
		protocol, err := protocols.Lookup(firstNonEmpty(req.Protocol, c.getenv(common.EnvProtocol), "anyconnect"))
		if err != nil {
			return nil, err
		}
		t.builder = config.NewEntrypointBuilder().Server(t.server).Protocol(protocol)
	}

	if req.Group != "" {
		t.builder.Group(req.Group)
	}
	if req.NoUDP {
		t.builder.EnableUDP(false)
	}
	if req.AcceptInsecure {
		t.builder.AcceptInsecureCert(true)
	}
	t.username = firstNonEmpty(req.Username, t.username, c.getenv(common.EnvUsername))
	if t.username != "" {
		t.builder.Username(t.username)
	}

	switch {
	case req.Cookie != "":
		t.builder.Cookie(req.Cookie)
	case req.CertFile != "":
		t.builder.Certificate(req.CertFile, req.KeyFile)
	case t.username != "":
		password, prompted, err := c.password(t, req.Password)
		if err != nil {
			return nil, err
		}
		t.password, t.prompted = password, prompted
		t.builder.Password(password)
	}
	return t, nil
}

// password finds the secret for t: the request, then the environment,
// then the keyring, then the terminal.
func (c *CLI) password(t *target, given string) (string, bool, error) {
	if pw := firstNonEmpty(given, c.getenv(common.EnvPassword)); pw != "" {
		return pw, false, nil
	}
	if c.Credentials != nil {
		pw, err := c.Credentials.Get(keyring.Account(t.username, t.server))
		if err == nil {
			return pw, false, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Keyring: %v", err)
		}
	}
	if c.Prompt == nil || !c.Prompt.Interactive() {
		return "", false, fmt.Errorf("no password for %s: %w", t.username, ErrNotInteractive)
	}
	pw, err := c.Prompt.Password(fmt.Sprintf("Password for %s: ", t.username))
	return pw, true, err
}

func (c *CLI) afterConnect(t *target) {
	if t.profile == nil {
		return
	}
	if err := c.Profiles.MarkUsed(t.profile.ID); err != nil {
		common.LogWarn("Profile: %v", err)
	}
	if t.prompted && t.profile.SavePassword && c.Credentials != nil && t.username != "" {
		if err := c.Credentials.Store(keyring.Account(t.username, t.server), t.password); err != nil {
			common.LogWarn("Keyring: Failed to save password: %v", err)
			return
		}
		c.alert("Password saved", fmt.Sprintf("Password for %s on %s was saved to the keyring", t.username, t.profile.Name), "")
	}
}

// consoleHandlers report progress on Out and ask the user for decisions
// the client cannot make alone.
func (c *CLI) consoleHandlers(t *target, acceptInsecure bool) *events.EventHandlers {
	return &events.EventHandlers{
		OnConnected: func(ev events.Event) events.Action {
			fmt.Fprintf(c.Out, "%s Connected to %s on %s as %s\n",
				successStyle.Render("✓"), ev.Server, ev.Interface, ev.Address)
			fmt.Fprintln(c.Out, dimStyle.Render("Press Ctrl+C to disconnect."))
			return events.ActionContinue
		},
		OnDisconnected: func(ev events.Event) events.Action {
			if ev.Err != nil {
				fmt.Fprintf(c.Out, "%s %v\n", errorStyle.Render("✗ Disconnected:"), ev.Err)
			} else {
				fmt.Fprintf(c.Out, "%s Disconnected from %s (%s)\n", successStyle.Render("✓"), ev.Server, ev.Reason)
			}
			return events.ActionContinue
		},
		OnConnectionFailed: func(ev events.Event) events.Action {
			fmt.Fprintf(c.Out, "%s %v\n", errorStyle.Render("✗ Connection failed:"), ev.Err)
			return events.ActionContinue
		},
		OnReconnecting: func(ev events.Event) events.Action {
			fmt.Fprintf(c.Out, "%s reconnecting to %s (#%d)\n", warnStyle.Render("!"), ev.Server, ev.Reconnect)
			return events.ActionContinue
		},
		OnCertificateTrustRequested: func(ev events.Event) events.Action {
			return c.trustCertificate(t, ev, acceptInsecure)
		},
		OnAuthRetryRequested: func(ev events.Event) events.Action {
			return c.retryAuth(t, ev)
		},
	}
}

func (c *CLI) trustCertificate(t *target, ev events.Event, acceptInsecure bool) events.Action {
	fmt.Fprintf(c.Out, "%s Server certificate for %s is not trusted\n", warnStyle.Render("!"), ev.Server)
	fmt.Fprintf(c.Out, "  Subject:     %s\n  Fingerprint: %s\n", ev.Subject, ev.Fingerprint)
	if acceptInsecure {
		return events.ActionContinue
	}
	if c.Prompt == nil || !c.Prompt.Interactive() {
		return events.ActionReject
	}

	ok, err := c.Prompt.Confirm("Trust this certificate?")
	if err != nil || !ok {
		return events.ActionReject
	}
	if t.profile != nil {
		t.profile.PinnedCert = ev.Fingerprint
		if err := c.Profiles.Update(t.profile); err != nil {
			common.LogWarn("Profile: Failed to pin certificate: %v", err)
		} else {
			c.alert("Certificate pinned", fmt.Sprintf("%s now trusts %s", t.profile.Name, ev.Fingerprint), "security-medium")
		}
	}
	return events.ActionAccept
}

// retryAuth asks for a new password for the resolved user. The accepted
// password replaces the one in t so afterConnect stores the right secret.
func (c *CLI) retryAuth(t *target, ev events.Event) events.Action {
	if ev.Auth == nil {
		return events.ActionContinue
	}
	fmt.Fprintf(c.Out, "%s %s (attempt %d of %d)\n", warnStyle.Render("!"), ev.Auth.Message, ev.Auth.Attempt, ev.Auth.MaxAttempts+1)
	if c.Prompt == nil || !c.Prompt.Interactive() {
		return events.ActionContinue
	}

	prompt := "Password: "
	if t.username != "" {
		prompt = fmt.Sprintf("Password for %s: ", t.username)
	}
	pw, err := c.Prompt.Password(prompt)
	if err != nil || pw == "" {
		return events.ActionCancel
	}
	if ev.Auth.Supply(config.PasswordCredentials{Username: t.username, Password: pw}) {
		t.password, t.prompted = pw, true
	}
	return events.ActionContinue
}

// alert shows a desktop notification when Alerts is set.
func (c *CLI) alert(title, message, icon string) {
	if c.Alerts == nil {
		return
	}
	var err error
	if icon == "" {
		err = c.Alerts.Notify(title, message)
	} else {
		err = c.Alerts.NotifyWithIcon(title, message, icon)
	}
	if err != nil {
		common.LogWarn("Notify: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
