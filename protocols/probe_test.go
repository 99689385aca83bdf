package protocols

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

func newGateway(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func gatewayRequest(t *testing.T, serverURL string, roots *x509.CertPool, pin string) Request {
	t.Helper()
	ep, err := config.NewEntrypointBuilder().
		Server(serverURL).
		Username("alice").
		Password("secret").
		Protocol(GetAnyConnectProtocol()).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewConfigBuilder().HandshakeTimeout(2 * time.Second).Build()
	if err != nil {
		t.Fatal(err)
	}
	return Request{Entrypoint: ep, Config: cfg, RootCAs: roots, PinnedCert: pin}
}

func rootsFor(srv *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return pool
}

func TestProbe_Verified(t *testing.T) {
	srv := newGateway(t, nil)

	result, err := Probe(context.Background(), "anyconnect", gatewayRequest(t, srv.URL, rootsFor(srv), ""))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !result.Verified {
		t.Error("certificate should verify against its own root")
	}
	if result.Fingerprint != Fingerprint(srv.Certificate()) {
		t.Errorf("Fingerprint = %v, want %v", result.Fingerprint, Fingerprint(srv.Certificate()))
	}
}

func TestProbe_Untrusted(t *testing.T) {
	srv := newGateway(t, nil)

	_, err := Probe(context.Background(), "anyconnect", gatewayRequest(t, srv.URL, x509.NewCertPool(), ""))
	perr, ok := IsCertificateUntrusted(err)
	if !ok {
		t.Fatalf("Probe() error = %v, want certificate untrusted", err)
	}
	if perr.Fingerprint != Fingerprint(srv.Certificate()) {
		t.Errorf("Fingerprint = %v, want the gateway pin", perr.Fingerprint)
	}
	if !errors.Is(err, common.ErrHandshakeFailed) {
		t.Error("untrusted certificate should match ErrHandshakeFailed")
	}
}

func TestProbe_Pinned(t *testing.T) {
	srv := newGateway(t, nil)
	pin := Fingerprint(srv.Certificate())

	result, err := Probe(context.Background(), "anyconnect", gatewayRequest(t, srv.URL, x509.NewCertPool(), pin))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Verified {
		t.Error("pinned certificate should be reported as unverified")
	}

	_, err = Probe(context.Background(), "anyconnect", gatewayRequest(t, srv.URL, x509.NewCertPool(), "pin-sha256:wrong"))
	if _, ok := IsCertificateUntrusted(err); !ok {
		t.Errorf("wrong pin error = %v, want certificate untrusted", err)
	}
}

func TestProbe_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	req := gatewayRequest(t, "https://"+ln.Addr().String(), x509.NewCertPool(), "")
	req.Config, _ = config.NewConfigBuilder().HandshakeTimeout(100 * time.Millisecond).Build()

	_, err = Probe(context.Background(), "anyconnect", req)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Reason != ReasonTimeout {
		t.Errorf("Probe() error = %v, want timeout", err)
	}
}

func TestProbe_Cancelled(t *testing.T) {
	srv := newGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Probe(ctx, "anyconnect", gatewayRequest(t, srv.URL, rootsFor(srv), ""))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Probe() error = %v, want context.Canceled", err)
	}
}

func TestBuildTrustPool(t *testing.T) {
	srv := newGateway(t, nil)
	dir := t.TempDir()

	caFile := filepath.Join(dir, "gateway.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, data, 0600); err != nil {
		t.Fatal(err)
	}
	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.NewConfigBuilder().TrustPolicy(config.TrustExplicit).CAFile(caFile).Build()
	if err != nil {
		t.Fatal(err)
	}
	pool, err := BuildTrustPool(cfg)
	if err != nil {
		t.Fatalf("BuildTrustPool() error = %v", err)
	}
	if _, err := Probe(context.Background(), "anyconnect", gatewayRequest(t, srv.URL, pool, "")); err != nil {
		t.Errorf("explicit CA should verify the gateway: %v", err)
	}

	cfg, err = config.NewConfigBuilder().TrustPolicy(config.TrustExplicit).CAFile(junk).Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BuildTrustPool(cfg); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("BuildTrustPool(junk) error = %v, want ErrInvalidConfig", err)
	}
}

func TestDetectCABundle_Env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pem")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSL_CERT_FILE", path)

	if got := DetectCABundle(); got != path {
		t.Errorf("DetectCABundle() = %v, want %v", got, path)
	}
}
