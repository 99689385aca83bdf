package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/yllada/openconnect-core/common"
)

var _ common.CredentialStore = (*Store)(nil)

func TestAccount(t *testing.T) {
	tests := []struct {
		user, server, want string
	}{
		{"alice", "vpn.example.com", "alice@vpn.example.com"},
		{"alice", "https://vpn.example.com/", "alice@vpn.example.com"},
		{"bob", "https://vpn.example.com:8443/group", "bob@vpn.example.com:8443"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Account(tt.user, tt.server); got != tt.want {
				t.Errorf("Account() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_SystemKeyring(t *testing.T) {
	keyring.MockInit()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.Local() {
		t.Fatal("mock keyring should be used")
	}

	account := Account("alice", "vpn.example.com")
	if _, err := s.Get(account); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() before Store error = %v, want ErrNotFound", err)
	}
	if err := s.Store(account, "secret"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if got, err := s.Get(account); err != nil || got != "secret" {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if !s.Exists(account) {
		t.Error("Exists() = false after Store")
	}
	if err := s.Delete(account); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists(account) {
		t.Error("Exists() = true after Delete")
	}
	if err := s.Delete(account); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStore_EncryptedFallback(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	defer keyring.MockInit()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !s.Local() {
		t.Fatal("store should fall back to the encrypted file")
	}

	if err := s.Store("alice@vpn.example.com", "hunter2"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, common.CredentialsFileName))
	if err != nil {
		t.Fatalf("credentials file: %v", err)
	}
	if strings.Contains(string(data), "hunter2") || strings.Contains(string(data), "alice") {
		t.Error("credentials file must not contain plaintext")
	}
	info, _ := os.Stat(filepath.Join(dir, common.CredentialsFileName))
	if info.Mode().Perm() != 0600 {
		t.Errorf("credentials file mode = %v, want 0600", info.Mode().Perm())
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got, err := reopened.Get("alice@vpn.example.com"); err != nil || got != "hunter2" {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}

	if err := reopened.Delete("alice@vpn.example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Get("alice@vpn.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	defer keyring.MockInit()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, common.CredentialsFileName), []byte("not base64!"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); !errors.Is(err, common.ErrDecryption) {
		t.Errorf("New() error = %v, want ErrDecryption", err)
	}
}

func TestStore_EmptyArguments(t *testing.T) {
	keyring.MockInit()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store("", "x"); err == nil {
		t.Error("Store with empty account should fail")
	}
	if err := s.Store("a@b", ""); err == nil {
		t.Error("Store with empty secret should fail")
	}
	if _, err := s.Get(""); err == nil {
		t.Error("Get with empty account should fail")
	}
	if err := s.Delete(""); err == nil {
		t.Error("Delete with empty account should fail")
	}
}
