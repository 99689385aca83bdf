// Package main provides the openconnect-core command line client. It
// connects to AnyConnect, GlobalProtect, Pulse, Fortinet, F5 and Array
// gateways through the openconnect tunnel engine.
//
// Usage:
//
//	openconnect-core connect --server vpn.example.com --user alice
//	openconnect-core connect --profile work
//	openconnect-core profile list
//	openconnect-core history
//
// Environment:
//
//	VPN_SERVER, VPN_USERNAME, VPN_PASSWORD and VPN_PROTOCOL supply
//	connection parameters, optionally from a .env.local file. The
//	openconnect binary must be installed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	commands "github.com/yllada/openconnect-core/cli"
	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/history"
	"github.com/yllada/openconnect-core/keyring"
	"github.com/yllada/openconnect-core/notify"
	"github.com/yllada/openconnect-core/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	app := cli.NewApp()
	app.Name = "openconnect-core"
	app.Usage = "connect to SSL VPN gateways"
	app.Version = appVersion
	if buildTime != "unknown" {
		app.Version = fmt.Sprintf("%s (built %s, commit %s)", appVersion, buildTime, commitSHA)
	}

	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		cli.BoolFlag{Name: "log-file", Usage: "also write logs to the log directory"},
		cli.StringFlag{Name: "config", Usage: "configuration file (default: ~/.config/openconnect-core/config.yaml)"},
		cli.StringFlag{Name: "env-file", Value: common.EnvFileName, Usage: "file with VPN_* variables"},
	}
	app.Before = setup
	app.After = func(*cli.Context) error {
		return common.CloseLogger()
	}

	app.Commands = []cli.Command{
		{
			Name:  "connect",
			Usage: "connect to a gateway and stay connected until interrupted",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "profile, p", Usage: "saved profile name or ID"},
				cli.StringFlag{Name: "server, s", Usage: "gateway address"},
				cli.StringFlag{Name: "protocol", Usage: "protocol variant (see 'protocols')"},
				cli.StringFlag{Name: "user, u", Usage: "user name"},
				cli.StringFlag{Name: "cookie", Usage: "pre-obtained session cookie"},
				cli.StringFlag{Name: "certificate", Usage: "client certificate file"},
				cli.StringFlag{Name: "key", Usage: "client certificate key file"},
				cli.StringFlag{Name: "group", Usage: "authentication group"},
				cli.BoolFlag{Name: "no-udp", Usage: "disable the UDP data channel"},
				cli.BoolFlag{Name: "accept-insecure-cert", Usage: "trust the gateway certificate even if it does not verify"},
				cli.BoolFlag{Name: "notify", Usage: "show desktop notifications"},
			},
			Action: connect,
		},
		{
			Name:   "protocols",
			Usage:  "list supported protocol variants",
			Action: withCLI(func(_ *cli.Context, cmd *commands.CLI) error { return cmd.ListProtocols() }),
		},
		{
			Name:  "history",
			Usage: "show recent sessions",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit, n", Value: 20, Usage: "number of sessions"},
			},
			Action: withCLI(func(c *cli.Context, cmd *commands.CLI) error { return cmd.ShowHistory(c.Int("limit")) }),
		},
		{
			Name:  "profile",
			Usage: "manage saved gateways",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list profiles",
					Action: withCLI(func(_ *cli.Context, cmd *commands.CLI) error { return cmd.ListProfiles() }),
				},
				{
					Name:      "add",
					Usage:     "save a gateway",
					ArgsUsage: "NAME",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "server, s", Usage: "gateway address"},
						cli.StringFlag{Name: "protocol", Value: "anyconnect", Usage: "protocol variant"},
						cli.StringFlag{Name: "user, u", Usage: "user name"},
						cli.StringFlag{Name: "group", Usage: "authentication group"},
						cli.BoolFlag{Name: "no-udp", Usage: "disable the UDP data channel"},
						cli.BoolFlag{Name: "save-password", Usage: "store the password in the keyring"},
					},
					Action: withCLI(addProfile),
				},
				{
					Name:      "remove",
					Usage:     "delete a profile and its stored password",
					ArgsUsage: "NAME|ID",
					Action: withCLI(func(c *cli.Context, cmd *commands.CLI) error {
						return cmd.RemoveProfile(c.Args().First())
					}),
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the environment file and initializes logging.
func setup(c *cli.Context) error {
	if path := c.GlobalString("env-file"); path != "" && common.FileExists(path) {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	logLevel := common.LevelInfo
	if c.GlobalBool("verbose") {
		logLevel = common.LevelDebug
	}
	common.GetLogger().SetOutput(os.Stderr)
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  c.GlobalBool("log-file"),
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		b   *config.ConfigBuilder
		err error
	)
	if path := c.GlobalString("config"); path != "" {
		b, err = config.LoadFile(path)
	} else {
		b, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if c.GlobalBool("verbose") {
		b.LogLevel(config.LevelDebug)
	}
	return b.Build()
}

// newCLI opens the stores used by commands. The returned function
// releases them.
func newCLI(c *cli.Context) (*commands.CLI, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	profiles, err := vpn.NewProfileManager("")
	if err != nil {
		return nil, nil, err
	}

	app := &commands.CLI{
		Config:   cfg,
		Profiles: profiles,
		Prompt:   commands.NewTerminalPrompter(os.Stdin, os.Stdout),
		Out:      os.Stdout,
		Getenv:   os.Getenv,
	}
	if store, err := keyring.New(""); err != nil {
		common.LogWarn("Credential storage unavailable: %v", err)
	} else {
		app.Credentials = store
	}

	closers := []func() error{}
	if rec, err := history.OpenDefault(); err != nil {
		common.LogWarn("Session history unavailable: %v", err)
	} else {
		app.History = rec
		closers = append(closers, rec.Close)
	}
	if c.Bool("notify") {
		if n, err := notify.New(); err != nil {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		} else {
			app.Notifications = n
			app.Alerts = n
			closers = append(closers, n.Close)
		}
	}

	return app, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}, nil
}

func withCLI(fn func(*cli.Context, *commands.CLI) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		app, release, err := newCLI(c)
		if err != nil {
			return err
		}
		defer release()
		return fn(c, app)
	}
}

func connect(c *cli.Context) error {
	app, release, err := newCLI(c)
	if err != nil {
		return err
	}
	defer release()

	if _, err := exec.LookPath(app.Config.OpenConnectPath()); err != nil {
		return fmt.Errorf("%s is not installed on the system", app.Config.OpenConnectPath())
	}

	// Handle shutdown signals (SIGINT, SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Connect(ctx, commands.ConnectRequest{
		Profile:        c.String("profile"),
		Server:         c.String("server"),
		Protocol:       c.String("protocol"),
		Username:       c.String("user"),
		Cookie:         c.String("cookie"),
		CertFile:       c.String("certificate"),
		KeyFile:        c.String("key"),
		Group:          c.String("group"),
		NoUDP:          c.Bool("no-udp"),
		AcceptInsecure: c.Bool("accept-insecure-cert"),
	})
	if errors.Is(err, common.ErrCancelled) {
		common.LogInfo("Connection cancelled")
		return nil
	}
	return err
}

func addProfile(c *cli.Context, app *commands.CLI) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	profile := &vpn.Profile{
		Name:         name,
		Server:       c.String("server"),
		Protocol:     c.String("protocol"),
		Username:     c.String("user"),
		Group:        c.String("group"),
		EnableUDP:    !c.Bool("no-udp"),
		SavePassword: c.Bool("save-password"),
	}

	password := ""
	if profile.SavePassword && profile.Username != "" && app.Prompt.Interactive() {
		pw, err := app.Prompt.Password(fmt.Sprintf("Password for %s: ", profile.Username))
		if err != nil {
			return err
		}
		password = pw
	}
	return app.AddProfile(profile, password)
}
