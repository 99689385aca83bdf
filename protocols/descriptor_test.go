package protocols

import (
	"context"
	"errors"
	"testing"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"anyconnect", "anyconnect"},
		{"AnyConnect", "anyconnect"},
		{"cisco", "anyconnect"},
		{"globalprotect", "gp"},
		{"juniper", "nc"},
		{"pulse", "pulse"},
		{" fortinet ", "fortinet"},
		{"f5", "f5"},
		{"array", "array"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Lookup(tt.name)
			if err != nil {
				t.Fatalf("Lookup(%q) error = %v", tt.name, err)
			}
			if d.Name() != tt.want {
				t.Errorf("Lookup(%q).Name() = %v, want %v", tt.name, d.Name(), tt.want)
			}
		})
	}

	if _, err := Lookup("wireguard"); !errors.Is(err, common.ErrUnsupported) {
		t.Errorf("Lookup(wireguard) error = %v, want ErrUnsupported", err)
	}
}

func TestBuiltins(t *testing.T) {
	getters := []func() Descriptor{
		GetAnyConnectProtocol,
		GetGlobalProtectProtocol,
		GetPulseProtocol,
		GetNetworkConnectProtocol,
		GetFortinetProtocol,
		GetF5Protocol,
		GetArrayProtocol,
	}
	seen := map[string]bool{}
	for _, get := range getters {
		d := get()
		if d == nil {
			t.Fatal("built-in descriptor is nil")
		}
		if !d.RequiresCredentials() || !d.SupportsUDP() {
			t.Errorf("%s capabilities = udp:%v creds:%v", d.Name(), d.SupportsUDP(), d.RequiresCredentials())
		}
		seen[d.Name()] = true
	}

	names := Names()
	if len(names) != len(getters) {
		t.Fatalf("Names() = %v, want %d entries", names, len(getters))
	}
	for i, name := range names {
		if !seen[name] {
			t.Errorf("Names() contains unexpected %q", name)
		}
		if i > 0 && names[i-1] > name {
			t.Errorf("Names() not sorted: %v", names)
		}
	}
}

type stubEngine struct{ Engine }

func TestCustom_Instantiate(t *testing.T) {
	var called int
	factory := func(ctx context.Context, caps Capabilities, req Request) (Engine, error) {
		called++
		if caps.Flag != "tcp-only" {
			t.Errorf("caps.Flag = %q, want default to Name", caps.Flag)
		}
		return stubEngine{}, nil
	}
	d := Custom(Capabilities{
		Name:                "tcp-only",
		SupportsUDP:         false,
		RequiresCredentials: true,
		CredentialKinds:     []config.CredentialKind{config.CredentialPassword},
	}, factory)

	build := func(b *config.EntrypointBuilder) *config.Entrypoint {
		ep, err := b.Server("vpn.example.com").Protocol(d).Build()
		if err != nil {
			t.Fatal(err)
		}
		return ep
	}

	tests := []struct {
		name    string
		ep      *config.Entrypoint
		wantErr error
	}{
		{"udp requested", build(config.NewEntrypointBuilder().Username("a").Password("p")), common.ErrUnsupported},
		{"cookie credentials", build(config.NewEntrypointBuilder().Cookie("c").EnableUDP(false)), common.ErrUnsupported},
		{"accepted", build(config.NewEntrypointBuilder().Username("a").Password("p").EnableUDP(false)), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := called
			engine, err := d.Instantiate(context.Background(), Request{Entrypoint: tt.ep, Config: config.Default()})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Instantiate() error = %v, want %v", err, tt.wantErr)
				}
				if called != before {
					t.Error("factory should not run when capabilities do not match")
				}
				return
			}
			if err != nil || engine == nil {
				t.Fatalf("Instantiate() = %v, %v", engine, err)
			}
		})
	}

	if _, err := d.Instantiate(context.Background(), Request{}); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("Instantiate(empty) error = %v, want ErrInvalidConfig", err)
	}
}

func TestProtocolError(t *testing.T) {
	untrusted := &ProtocolError{
		Kind:        KindHandshakeFailed,
		Reason:      ReasonCertificateUntrusted,
		Protocol:    "anyconnect",
		Fingerprint: "pin-sha256:abc",
	}
	wrapped := errors.Join(errors.New("context"), untrusted)

	if !errors.Is(wrapped, common.ErrHandshakeFailed) {
		t.Error("handshake error should match ErrHandshakeFailed")
	}
	if errors.Is(wrapped, common.ErrAuthRejected) {
		t.Error("handshake error should not match ErrAuthRejected")
	}
	perr, ok := IsCertificateUntrusted(wrapped)
	if !ok || perr.Fingerprint != "pin-sha256:abc" {
		t.Errorf("IsCertificateUntrusted() = %v, %v", perr, ok)
	}

	rejected := &ProtocolError{Kind: KindAuthRejected, Retryable: true}
	if !IsRetryableAuth(rejected) || !errors.Is(rejected, common.ErrAuthRejected) {
		t.Error("retryable rejection not recognised")
	}
	if IsRetryableAuth(&ProtocolError{Kind: KindAuthRejected}) {
		t.Error("non-retryable rejection reported as retryable")
	}

	resolve := ResolveError("gp", "vpn.example.com", errors.New("no such host"))
	if resolve.Reason != ReasonResolve || !errors.Is(resolve, common.ErrHandshakeFailed) {
		t.Errorf("ResolveError() = %v", resolve)
	}
}
