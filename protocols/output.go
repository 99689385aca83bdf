package protocols

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// lineKind classifies a line of openconnect output.
type lineKind int

const (
	lineOther lineKind = iota
	lineConnected
	lineReconnecting
	lineReconnected
	lineTerminated
	lineCookieRejected
	lineAuthFailed
	lineCertFailed
	lineResolveFailed
	lineNetworkFailed
	lineTLSFailed
)

type outputLine struct {
	kind    lineKind
	iface   string
	address string
	text    string
}

var (
	connectedRe  = regexp.MustCompile(`^Connected\s+(?:(\S+)\s+)?as\s+([0-9A-Fa-f.:]+)`)
	configuredRe = regexp.MustCompile(`^Configured as\s+([0-9A-Fa-f.:]+)`)
)

// markers are matched in order against a trimmed line.
var markers = []struct {
	substr string
	kind   lineKind
}{
	{"Cookie was rejected", lineCookieRejected},
	{"Cookie is no longer valid", lineCookieRejected},
	{"Login failed", lineAuthFailed},
	{"Authentication failed", lineAuthFailed},
	{"Failed to complete authentication", lineAuthFailed},
	{"Server certificate verify failed", lineCertFailed},
	{"Certificate from VPN server", lineCertFailed},
	{"getaddrinfo failed", lineResolveFailed},
	{"Failed to resolve", lineResolveFailed},
	{"Failed to connect to host", lineNetworkFailed},
	{"Failed to reconnect to host", lineNetworkFailed},
	{"SSL connection failure", lineTLSFailed},
	{"Failed to open HTTPS connection", lineTLSFailed},
	{"Session terminated by server", lineTerminated},
	{"Session terminated", lineTerminated},
	{"Server terminated connection", lineTerminated},
	{"Server requested logout", lineTerminated},
	{"detected dead peer", lineReconnecting},
	{"Reconnecting", lineReconnecting},
	{"reconnecting", lineReconnecting},
	{"Got hangup signal", lineReconnecting},
	{"CSTP connected", lineReconnected},
	{"Reconnected", lineReconnected},
}

// parseLine classifies one line of tunnel process output.
func parseLine(line string) outputLine {
	text := strings.TrimSpace(line)
	out := outputLine{kind: lineOther, text: text}

	if m := connectedRe.FindStringSubmatch(text); m != nil {
		out.kind = lineConnected
		out.iface = m[1]
		out.address = m[2]
		return out
	}
	if m := configuredRe.FindStringSubmatch(text); m != nil {
		out.kind = lineConnected
		out.address = m[1]
		return out
	}
	for _, marker := range markers {
		if strings.Contains(text, marker.substr) {
			out.kind = marker.kind
			return out
		}
	}
	return out
}

// failure maps a failure line to the error it represents, or nil.
func (l outputLine) failure(protocol string) *ProtocolError {
	switch l.kind {
	case lineCookieRejected:
		return &ProtocolError{Kind: KindAuthRejected, Protocol: protocol, Message: l.text}
	case lineAuthFailed:
		return &ProtocolError{Kind: KindAuthRejected, Protocol: protocol, Message: l.text, Retryable: true}
	case lineCertFailed:
		return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonCertificateUntrusted, Protocol: protocol, Message: l.text}
	case lineResolveFailed:
		return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonResolve, Protocol: protocol, Message: l.text}
	case lineNetworkFailed:
		return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonNetwork, Protocol: protocol, Message: l.text}
	case lineTLSFailed:
		return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonTLS, Protocol: protocol, Message: l.text}
	}
	return nil
}

// authResult is the session obtained by openconnect --authenticate.
type authResult struct {
	Cookie      string
	Host        string
	ConnectURL  string
	Fingerprint string
	Resolve     string
}

// parseAuthOutput reads the shell-style assignments printed by
// openconnect --authenticate.
func parseAuthOutput(r io.Reader) authResult {
	var result authResult
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = unquote(value)
		switch key {
		case "COOKIE":
			result.Cookie = value
		case "HOST":
			result.Host = value
		case "CONNECT_URL":
			result.ConnectURL = value
		case "FINGERPRINT":
			result.Fingerprint = value
		case "RESOLVE":
			result.Resolve = value
		}
	}
	return result
}

// unquote strips single-quote shell quoting, including the '\'' escape.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, `'`)
	}
	return s
}
