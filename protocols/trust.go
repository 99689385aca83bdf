package protocols

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

// PinPrefix prefixes certificate fingerprints.
const PinPrefix = "pin-sha256:"

// caBundlePaths are well-known system bundle locations across
// distributions, in lookup order.
var caBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/ssl/cert.pem",
	"/usr/local/etc/openssl/cert.pem",
	"/opt/homebrew/etc/openssl@3/cert.pem",
}

// Fingerprint returns the pin of a certificate: the base64 SHA-256 of its
// public key info.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return PinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// DetectCABundle returns the first existing system CA bundle.
func DetectCABundle() string {
	if path := os.Getenv("SSL_CERT_FILE"); path != "" && common.FileExists(path) {
		return path
	}
	for _, path := range caBundlePaths {
		if common.FileExists(path) {
			return path
		}
	}
	return ""
}

// BuildTrustPool assembles the roots used to verify gateways according to
// the configured trust policy.
func BuildTrustPool(cfg *config.Config) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	policy := cfg.TrustPolicy()

	if policy.IncludesSystem() {
		system, err := x509.SystemCertPool()
		if err != nil {
			common.LogWarn("System certificate pool unavailable: %v", err)
		} else {
			pool = system
		}

		// SSL_CERT_FILE is honoured by SystemCertPool itself.
		if os.Getenv("SSL_CERT_FILE") == "" && cfg.AutoDetectCAPaths() && pool.Equal(x509.NewCertPool()) {
			if bundle := DetectCABundle(); bundle != "" {
				common.LogDebug("Using detected CA bundle %s", bundle)
				if err := appendPEMFile(pool, bundle); err != nil {
					common.LogWarn("Ignoring CA bundle %s: %v", bundle, err)
				}
			}
		}
	}

	if policy.IncludesExplicit() {
		for _, path := range cfg.CAFiles() {
			if err := appendPEMFile(pool, path); err != nil {
				return nil, &config.ConfigError{Field: "ca_files", Reason: err.Error()}
			}
		}
	}
	return pool, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("no certificates found in %s", path)
	}
	return nil
}
