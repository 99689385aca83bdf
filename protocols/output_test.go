package protocols

import (
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		kind    lineKind
		iface   string
		address string
	}{
		{"Connected as 192.168.10.2, using SSL, with DTLS in progress", lineConnected, "", "192.168.10.2"},
		{"Connected tun0 as 10.1.2.3, using SSL + LZ4, with DTLS in progress", lineConnected, "tun0", "10.1.2.3"},
		{"Configured as 172.16.0.9, with SSL connected and ESP in progress", lineConnected, "", "172.16.0.9"},
		{"Connected to HTTPS on vpn.example.com with ciphersuite TLS1.3", lineOther, "", ""},
		{"Cookie was rejected by server; exiting.", lineCookieRejected, "", ""},
		{"Login failed.", lineAuthFailed, "", ""},
		{"Server certificate verify failed: signer not found", lineCertFailed, "", ""},
		{"getaddrinfo failed for host 'vpn.example.com': Name or service not known", lineResolveFailed, "", ""},
		{"Failed to connect to host vpn.example.com", lineNetworkFailed, "", ""},
		{"SSL connection failure: The TLS connection was non-properly terminated.", lineTLSFailed, "", ""},
		{"Session terminated by server; exiting.", lineTerminated, "", ""},
		{"CSTP Dead Peer Detection detected dead peer!", lineReconnecting, "", ""},
		{"CSTP connected. DPD 30, Keepalive 20", lineReconnected, "", ""},
		{"  POST https://vpn.example.com/  ", lineOther, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := parseLine(tt.line)
			if got.kind != tt.kind {
				t.Errorf("kind = %v, want %v", got.kind, tt.kind)
			}
			if got.iface != tt.iface || got.address != tt.address {
				t.Errorf("iface/address = %q/%q, want %q/%q", got.iface, got.address, tt.iface, tt.address)
			}
		})
	}
}

func TestOutputLine_Failure(t *testing.T) {
	if f := parseLine("Login failed.").failure("gp"); f == nil || f.Kind != KindAuthRejected || !f.Retryable {
		t.Errorf("login failure = %v", f)
	}
	if f := parseLine("Cookie was rejected by server").failure("gp"); f == nil || f.Retryable {
		t.Errorf("cookie rejection = %v, want non-retryable", f)
	}
	if f := parseLine("Server certificate verify failed").failure("gp"); f == nil || f.Reason != ReasonCertificateUntrusted {
		t.Errorf("cert failure = %v", f)
	}
	if f := parseLine("Connected as 10.0.0.1").failure("gp"); f != nil {
		t.Errorf("connected line reported failure %v", f)
	}
}

func TestParseAuthOutput(t *testing.T) {
	out := strings.Join([]string{
		"POST https://vpn.example.com/",
		"COOKIE='webvpn=abc'\\''def'",
		"HOST='203.0.113.7'",
		"CONNECT_URL='https://vpn.example.com/ssl-vpn'",
		"FINGERPRINT='pin-sha256:xyz='",
		"RESOLVE=vpn.example.com:203.0.113.7",
		"garbage",
	}, "\n")

	got := parseAuthOutput(strings.NewReader(out))
	want := authResult{
		Cookie:      "webvpn=abc'def",
		Host:        "203.0.113.7",
		ConnectURL:  "https://vpn.example.com/ssl-vpn",
		Fingerprint: "pin-sha256:xyz=",
		Resolve:     "vpn.example.com:203.0.113.7",
	}
	if got != want {
		t.Errorf("parseAuthOutput() = %+v, want %+v", got, want)
	}
}
