package vpn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
	"github.com/yllada/openconnect-core/protocols"
)

// Common errors returned by profile operations.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrDuplicateName   = errors.New("profile name already exists")
)

// ProfilesFileName is the name of the profile store inside its directory.
const ProfilesFileName = "profiles.yaml"

// Profile is a saved gateway. Passwords are never stored here; see the
// keyring package.
type Profile struct {
	// ID is a unique identifier for the profile (UUID format).
	ID string `yaml:"id"`
	// Name is a human-readable name for the profile.
	Name string `yaml:"name"`
	// Server is the gateway address, with or without scheme.
	Server string `yaml:"server"`
	// Protocol is a protocol name or alias accepted by protocols.Lookup.
	Protocol string `yaml:"protocol"`
	Username string `yaml:"username,omitempty"`
	// Group is the authentication group offered by the gateway.
	Group     string `yaml:"group,omitempty"`
	EnableUDP bool   `yaml:"enable_udp"`
	// PinnedCert is a "pin-sha256:" fingerprint trusted for this gateway
	// when its chain does not verify.
	PinnedCert string `yaml:"pinned_cert,omitempty"`
	// SavePassword indicates whether to save the password in the keyring.
	SavePassword bool      `yaml:"save_password"`
	Created      time.Time `yaml:"created"`
	LastUsed     time.Time `yaml:"last_used,omitempty"`
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return &config.EntrypointError{Field: "name"}
	}
	if strings.TrimSpace(p.Server) == "" {
		return &config.EntrypointError{Field: "server"}
	}
	if _, err := config.ParseServer(p.Server); err != nil {
		return &config.EntrypointError{Field: "server", Reason: err.Error()}
	}
	if _, err := protocols.Lookup(p.Protocol); err != nil {
		return err
	}
	return nil
}

// EntrypointBuilder returns a builder pre-populated from the profile.
// Callers add credentials before building.
func (p *Profile) EntrypointBuilder() (*config.EntrypointBuilder, error) {
	protocol, err := protocols.Lookup(p.Protocol)
	if err != nil {
		return nil, err
	}
	b := config.NewEntrypointBuilder().
		Name(p.Name).
		Server(p.Server).
		Protocol(protocol).
		EnableUDP(p.EnableUDP).
		Group(p.Group)
	if p.Username != "" {
		b.Username(p.Username)
	}
	if p.PinnedCert != "" {
		b.PinnedCert(p.PinnedCert)
	}
	return b, nil
}

// ProfileManager manages saved profiles.
// It handles loading, saving, and manipulating profiles stored on disk.
type ProfileManager struct {
	mu         sync.RWMutex
	profiles   []*Profile
	configFile string
}

// NewProfileManager creates a ProfileManager backed by dir, or by the
// application config directory when dir is empty, and loads existing
// profiles.
func NewProfileManager(dir string) (*ProfileManager, error) {
	if dir == "" {
		var err error
		if dir, err = common.GetConfigDir(); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	pm := &ProfileManager{
		configFile: filepath.Join(dir, ProfilesFileName),
	}
	if err := pm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return pm, nil
}

// Load loads profiles from the configuration file.
// Returns nil if the file doesn't exist (no profiles yet).
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles []*Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}

	pm.mu.Lock()
	pm.profiles = profiles
	pm.mu.Unlock()
	return nil
}

// save persists profiles. Callers hold mu.
func (pm *ProfileManager) save() error {
	data, err := yaml.Marshal(pm.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}

	tmp := pm.configFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	if err := os.Rename(tmp, pm.configFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	return nil
}

// Add validates profile, assigns an ID if it has none and stores it.
func (pm *ProfileManager) Add(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.profiles {
		if p.Name == profile.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, profile.Name)
		}
	}
	if profile.ID == "" {
		profile.ID = common.GenerateID()
	}
	profile.Created = time.Now()

	pm.profiles = append(pm.profiles, profile)
	if err := pm.save(); err != nil {
		pm.profiles = pm.profiles[:len(pm.profiles)-1]
		return err
	}
	common.LogInfo("Profile: Added %s (%s)", profile.Name, profile.Server)
	return nil
}

// Remove removes a profile by ID.
func (pm *ProfileManager) Remove(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i, profile := range pm.profiles {
		if profile.ID == id {
			pm.profiles = append(pm.profiles[:i], pm.profiles[i+1:]...)
			return pm.save()
		}
	}
	return ErrProfileNotFound
}

// Get retrieves a copy of the profile with the given ID.
func (pm *ProfileManager) Get(id string) (*Profile, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, profile := range pm.profiles {
		if profile.ID == id {
			cp := *profile
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

// GetByName retrieves a copy of the profile with the given name.
func (pm *ProfileManager) GetByName(name string) (*Profile, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, profile := range pm.profiles {
		if profile.Name == name {
			cp := *profile
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

// List returns copies of all profiles.
func (pm *ProfileManager) List() []Profile {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]Profile, 0, len(pm.profiles))
	for _, p := range pm.profiles {
		out = append(out, *p)
	}
	return out
}

// Update replaces the stored profile with the same ID.
func (pm *ProfileManager) Update(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.profiles {
		if p.Name == profile.Name && p.ID != profile.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateName, profile.Name)
		}
	}
	for i, p := range pm.profiles {
		if p.ID == profile.ID {
			cp := *profile
			pm.profiles[i] = &cp
			return pm.save()
		}
	}
	return ErrProfileNotFound
}

// MarkUsed updates the LastUsed timestamp for a profile.
func (pm *ProfileManager) MarkUsed(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.profiles {
		if p.ID == id {
			p.LastUsed = time.Now()
			return pm.save()
		}
	}
	return ErrProfileNotFound
}
