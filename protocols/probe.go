package protocols

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/yllada/openconnect-core/common"
)

// ProbeResult describes the gateway certificate seen during the probe.
type ProbeResult struct {
	Addr        string
	Fingerprint string
	Subject     string
	// Verified is false when the certificate was accepted through a pin.
	Verified bool
}

// Probe performs a TLS handshake with the gateway and decides whether its
// certificate is trusted. An unverifiable certificate whose pin does not
// match the request's pin yields a ReasonCertificateUntrusted error
// carrying the certificate's fingerprint.
func Probe(ctx context.Context, protocol string, req Request) (*ProbeResult, error) {
	timeout := req.Config.HandshakeTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempts := len(req.Addrs)
	if attempts == 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		addr := gatewayAddr(req, i)
		result, err := probeAddr(ctx, protocol, req, addr)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// A certificate decision or an expired context ends the attempt.
		if _, untrusted := IsCertificateUntrusted(err); untrusted || ctx.Err() != nil {
			break
		}
		common.LogDebug("Probe of %s failed: %v", addr, err)
	}
	return nil, lastErr
}

func probeAddr(ctx context.Context, protocol string, req Request, addr string) (*ProbeResult, error) {
	host := req.Entrypoint.Host()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: 30 * time.Second},
		Config: &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
			// Verification happens below so that a pin can override it.
			InsecureSkipVerify: true,
		},
	}

	common.LogDebug("Probing %s (%s)", addr, host)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, handshakeError(protocol, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonTLS, Protocol: protocol, Message: "gateway sent no certificate"}
	}

	leaf := state.PeerCertificates[0]
	result := &ProbeResult{
		Addr:        addr,
		Fingerprint: Fingerprint(leaf),
		Subject:     leaf.Subject.String(),
	}

	verifyErr := verifyChain(state.PeerCertificates, host, req.RootCAs)
	if verifyErr == nil {
		result.Verified = true
		return result, nil
	}
	if pin := req.pin(); pin != "" && pin == result.Fingerprint {
		common.LogInfo("Gateway certificate %s accepted by pin", result.Subject)
		return result, nil
	}

	return nil, &ProtocolError{
		Kind:        KindHandshakeFailed,
		Reason:      ReasonCertificateUntrusted,
		Protocol:    protocol,
		Message:     fmt.Sprintf("certificate for %s is not trusted", host),
		Fingerprint: result.Fingerprint,
		Subject:     result.Subject,
		Err:         verifyErr,
	}
}

func verifyChain(certs []*x509.Certificate, host string, roots *x509.CertPool) error {
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

// pinnedTLSConfig returns a client configuration that accepts exactly the
// certificate identified by fingerprint.
func pinnedTLSConfig(host, fingerprint string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("gateway sent no certificate")
			}
			if got := Fingerprint(cs.PeerCertificates[0]); got != fingerprint {
				return fmt.Errorf("gateway certificate changed: %s", got)
			}
			return nil
		},
	}
}
