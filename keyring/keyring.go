// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"

	"github.com/yllada/openconnect-core/common"
)

// ErrNotFound is returned when no secret is stored for an account.
var ErrNotFound = common.ErrCredentialsNotFound

const (
	probeAccount = "openconnect-core-probe"
	saltSize     = 16
	keySize      = 32
)

// Store keeps gateway passwords. It is safe for concurrent use.
type Store struct {
	service string
	path    string

	mu       sync.RWMutex
	useLocal bool
	local    map[string]string
	salt     []byte
	key      []byte
}

// New returns a Store backed by the system keyring, or by an encrypted
// file in dir when the keyring is unavailable. An empty dir selects the
// application config directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		var err error
		if dir, err = common.GetConfigDir(); err != nil {
			return nil, err
		}
	}

	s := &Store{
		service: common.KeyringService,
		path:    filepath.Join(dir, common.CredentialsFileName),
		local:   make(map[string]string),
	}

	err := keyring.Set(s.service, probeAccount, "probe")
	if err == nil {
		keyring.Delete(s.service, probeAccount)
		return s, nil
	}
	common.LogWarn("Keyring: System keyring unavailable, using encrypted file: %v", err)

	if err := s.switchToLocal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Account returns the keyring account name for a user on a gateway.
func Account(username, server string) string {
	host := server
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		host = u.Host
	}
	return username + "@" + strings.TrimSuffix(host, "/")
}

// Local reports whether secrets are kept in the encrypted file.
func (s *Store) Local() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

// Store saves the secret for account.
func (s *Store) Store(account, secret string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	if !s.Local() {
		err := keyring.Set(s.service, account, secret)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring: Store failed, falling back to encrypted file: %v", err)
		if err := s.switchToLocal(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[account] = secret
	return s.saveLocked()
}

// Get retrieves the secret for account.
func (s *Store) Get(account string) (string, error) {
	if account == "" {
		return "", errors.New("account cannot be empty")
	}

	if !s.Local() {
		secret, err := keyring.Get(s.service, account)
		if err == nil {
			return secret, nil
		}
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		common.LogWarn("Keyring: Get failed: %v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if secret, ok := s.local[account]; ok {
		return secret, nil
	}
	return "", ErrNotFound
}

// Delete removes the secret for account. Deleting a missing account is
// not an error.
func (s *Store) Delete(account string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}

	if !s.Local() {
		if err := keyring.Delete(s.service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[account]; !ok {
		return nil
	}
	delete(s.local, account)
	return s.saveLocked()
}

// Exists checks if a secret is stored for account.
func (s *Store) Exists(account string) bool {
	_, err := s.Get(account)
	return err == nil
}

func (s *Store) switchToLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useLocal {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.useLocal = true
	return nil
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) < saltSize {
		return fmt.Errorf("%w: malformed credentials file", common.ErrDecryption)
	}
	s.salt = raw[:saltSize]
	s.key = deriveKey(s.salt)

	plaintext, err := s.open(raw[saltSize:])
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, &s.local); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.key == nil {
		s.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, s.salt); err != nil {
			return fmt.Errorf("%w: %v", common.ErrEncryption, err)
		}
		s.key = deriveKey(s.salt)
	}

	data, err := json.Marshal(s.local)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	sealed, err := s.seal(data)
	if err != nil {
		return err
	}

	out := base64.StdEncoding.EncodeToString(append(append([]byte(nil), s.salt...), sealed...))
	if err := os.WriteFile(s.path, []byte(out), 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey stretches machine-specific data into a file encryption key.
func deriveKey(salt []byte) []byte {
	hostname, _ := os.Hostname()
	material := fmt.Sprintf("%s-%s-%s-%d", common.KeyringService, hostname, machineID(), os.Getuid())
	return argon2.IDKey([]byte(material), salt, 1, 64*1024, 4, keySize)
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}
