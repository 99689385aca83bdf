// Package cli implements the commands of the openconnect-core command
// line front end.
package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/history"
	"github.com/yllada/openconnect-core/keyring"
	"github.com/yllada/openconnect-core/protocols"
	"github.com/yllada/openconnect-core/vpn"
)

// CLI holds the state shared by commands. History, Credentials,
// Notifications and Alerts are optional.
type CLI struct {
	Config   *config.Config
	Profiles *vpn.ProfileManager
	// Credentials stores profile passwords.
	Credentials common.CredentialStore
	History     *history.Recorder
	// Notifications shows desktop notifications while connected.
	Notifications EventSink
	// Alerts reports keyring and certificate changes on the desktop.
	Alerts        common.Notifier
	Prompt        Prompter
	Out           io.Writer
	// Getenv reads connection parameters. Defaults to none.
	Getenv func(string) string
}

// ListProfiles lists all saved profiles.
func (c *CLI) ListProfiles() error {
	profiles := c.Profiles.List()

	if len(profiles) == 0 {
		fmt.Fprintln(c.Out, "No profiles configured.")
		fmt.Fprintln(c.Out, dimStyle.Render("Use 'profile add' to save a gateway."))
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSERVER\tPROTOCOL\tUSER\tLAST USED")
	fmt.Fprintln(w, "--\t----\t------\t--------\t----\t---------")

	for _, profile := range profiles {
		lastUsed := "never"
		if !profile.LastUsed.IsZero() {
			lastUsed = humanize.Time(profile.LastUsed)
		}
		user := profile.Username
		if user == "" {
			user = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(profile.ID), profile.Name, profile.Server, profile.Protocol, user, lastUsed)
	}

	return w.Flush()
}

// AddProfile saves a new profile, and its password when one is given and
// the profile asks for it.
func (c *CLI) AddProfile(profile *vpn.Profile, password string) error {
	if err := c.Profiles.Add(profile); err != nil {
		return err
	}
	if profile.SavePassword && password != "" && c.Credentials != nil {
		if err := c.Credentials.Store(keyring.Account(profile.Username, profile.Server), password); err != nil {
			return fmt.Errorf("profile saved but password was not: %w", err)
		}
	}
	fmt.Fprintf(c.Out, "%s Added profile %s\n", successStyle.Render("✓"), profile.Name)
	return nil
}

// RemoveProfile deletes a profile and any stored password.
func (c *CLI) RemoveProfile(nameOrID string) error {
	profile := c.findProfile(nameOrID)
	if profile == nil {
		return fmt.Errorf("profile not found: %s", nameOrID)
	}
	if err := c.Profiles.Remove(profile.ID); err != nil {
		return err
	}
	if c.Credentials != nil && profile.Username != "" {
		if err := c.Credentials.Delete(keyring.Account(profile.Username, profile.Server)); err != nil {
			fmt.Fprintf(c.Out, "%s %v\n", warnStyle.Render("Warning:"), err)
		}
	}
	fmt.Fprintf(c.Out, "%s Removed profile %s\n", successStyle.Render("✓"), profile.Name)
	return nil
}

// ListProtocols prints the built-in protocol variants.
func (c *CLI) ListProtocols() error {
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUDP\tCREDENTIALS")
	fmt.Fprintln(w, "----\t---\t-----------")

	for _, name := range protocols.Names() {
		p, err := protocols.Lookup(name)
		if err != nil {
			return err
		}
		creds := "optional"
		if p.RequiresCredentials() {
			creds = "required"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name(), yesNo(p.SupportsUDP()), creds)
	}
	return w.Flush()
}

// ShowHistory prints the most recent sessions.
func (c *CLI) ShowHistory(limit int) error {
	if c.History == nil {
		return fmt.Errorf("history is not available")
	}
	sessions, err := c.History.Recent(limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.Out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSERVER\tPROTOCOL\tOUTCOME\tDURATION\tIN\tOUT\tREASON")
	fmt.Fprintln(w, "-------\t------\t--------\t-------\t--------\t--\t---\t------")

	for _, s := range sessions {
		duration := "-"
		if d := s.Duration(); d > 0 {
			duration = formatDuration(d)
		}
		reason := s.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.StartedAt.Format("2006-01-02 15:04"), s.Server, s.Protocol, s.Outcome, duration,
			humanize.Bytes(s.BytesIn), humanize.Bytes(s.BytesOut), reason)
	}
	return w.Flush()
}

// findProfile finds a profile by name or ID (case-insensitive).
func (c *CLI) findProfile(nameOrID string) *vpn.Profile {
	nameOrID = strings.ToLower(strings.TrimSpace(nameOrID))
	if nameOrID == "" {
		return nil
	}

	for _, profile := range c.Profiles.List() {
		if strings.ToLower(profile.Name) == nameOrID ||
			strings.ToLower(profile.ID) == nameOrID ||
			strings.HasPrefix(strings.ToLower(profile.ID), nameOrID) {
			p := profile
			return &p
		}
	}

	return nil
}

func (c *CLI) getenv(key string) string {
	if c.Getenv == nil {
		return ""
	}
	return c.Getenv(key)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
