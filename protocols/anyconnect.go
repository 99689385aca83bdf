package protocols

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

const aggregateAuthVersion = "2"

type xmlVersion struct {
	Who   string `xml:"who,attr"`
	Value string `xml:",chardata"`
}

type xmlOpaque struct {
	IsFor string `xml:"is-for,attr,omitempty"`
	Inner string `xml:",innerxml"`
}

type xmlAuthReply struct {
	Username string `xml:"username,omitempty"`
	Password string `xml:"password,omitempty"`
}

// configAuthRequest is sent to the gateway.
type configAuthRequest struct {
	XMLName              xml.Name      `xml:"config-auth"`
	Client               string        `xml:"client,attr"`
	Type                 string        `xml:"type,attr"`
	AggregateAuthVersion string        `xml:"aggregate-auth-version,attr"`
	Version              xmlVersion    `xml:"version"`
	DeviceID             string        `xml:"device-id"`
	GroupAccess          string        `xml:"group-access,omitempty"`
	GroupSelect          string        `xml:"group-select,omitempty"`
	Opaque               *xmlOpaque    `xml:"opaque,omitempty"`
	Auth                 *xmlAuthReply `xml:"auth,omitempty"`
}

// configAuthResponse is the gateway's answer.
type configAuthResponse struct {
	XMLName      xml.Name   `xml:"config-auth"`
	Type         string     `xml:"type,attr"`
	Opaque       *xmlOpaque `xml:"opaque"`
	SessionID    string     `xml:"session-id"`
	SessionToken string     `xml:"session-token"`
	Auth         struct {
		ID      string `xml:"id,attr"`
		Title   string `xml:"title"`
		Message string `xml:"message"`
		Error   *struct {
			ID    string `xml:"id,attr"`
			Value string `xml:",chardata"`
		} `xml:"error"`
		Form struct {
			Action string `xml:"action,attr"`
			Inputs []struct {
				Type  string `xml:"type,attr"`
				Name  string `xml:"name,attr"`
				Label string `xml:"label,attr"`
			} `xml:"input"`
			Selects []struct {
				Name    string   `xml:"name,attr"`
				Options []string `xml:"option"`
			} `xml:"select"`
		} `xml:"form"`
	} `xml:"auth"`
	ServerCertHash string `xml:"config>vpn-base-config>server-cert-hash"`
}

func (r *configAuthResponse) errorMessage() string {
	if r.Auth.Error == nil {
		return ""
	}
	if msg := strings.TrimSpace(r.Auth.Error.Value); msg != "" {
		return msg
	}
	return "authentication failed"
}

// anyConnectAuth performs the XML config-auth exchange and returns the
// session token used as the tunnel cookie.
type anyConnectAuth struct {
	client    *http.Client
	serverURL string
	userAgent string
	deviceID  string
	group     string
}

func newAnyConnectAuth(req Request, probe *ProbeResult) (*anyConnectAuth, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	ep := req.Entrypoint
	dialer := &net.Dialer{Timeout: req.Config.HandshakeTimeout()}
	transport := &http.Transport{
		TLSClientConfig: pinnedTLSConfig(ep.Host(), probe.Fingerprint),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, probe.Addr)
		},
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: req.Config.HandshakeTimeout(),
		MaxIdleConns:        1,
		IdleConnTimeout:     30 * time.Second,
	}

	return &anyConnectAuth{
		client:    &http.Client{Transport: transport, Jar: jar},
		serverURL: ep.Server(),
		userAgent: req.Config.UserAgent(),
		deviceID:  req.Config.DeviceID(),
		group:     ep.Group(),
	}, nil
}

func (a *anyConnectAuth) newRequest(kind string) configAuthRequest {
	return configAuthRequest{
		Client:               "vpn",
		Type:                 kind,
		AggregateAuthVersion: aggregateAuthVersion,
		Version:              xmlVersion{Who: "vpn", Value: "v9.12"},
		DeviceID:             a.deviceID,
	}
}

// Login runs init, auth-reply and returns the session token.
func (a *anyConnectAuth) Login(ctx context.Context, creds config.PasswordCredentials) (string, error) {
	init := a.newRequest("init")
	init.GroupAccess = a.serverURL
	if a.group != "" {
		init.GroupSelect = a.group
	}

	resp, err := a.post(ctx, a.serverURL, init)
	if err != nil {
		return "", err
	}
	if resp.Type == "complete" && resp.SessionToken != "" {
		return resp.SessionToken, nil
	}
	if resp.Type != "auth-request" {
		return "", a.protocolErr(fmt.Sprintf("unexpected %q reply to init", resp.Type))
	}
	if msg := resp.errorMessage(); msg != "" {
		return "", &ProtocolError{Kind: KindAuthRejected, Protocol: "anyconnect", Message: msg}
	}

	reply := a.newRequest("auth-reply")
	reply.Opaque = resp.Opaque
	reply.Auth = &xmlAuthReply{Username: creds.Username, Password: creds.Password}
	if a.group != "" {
		reply.GroupSelect = a.group
	}

	target := a.serverURL
	if action := resp.Auth.Form.Action; action != "" && action != "/" {
		target = strings.TrimSuffix(a.serverURL, "/") + "/" + strings.TrimPrefix(action, "/")
	}

	resp, err = a.post(ctx, target, reply)
	if err != nil {
		return "", err
	}
	switch resp.Type {
	case "complete":
		if resp.SessionToken == "" {
			return "", a.protocolErr("login completed without a session token")
		}
		common.LogInfo("AnyConnect: authenticated %s", creds.Username)
		return resp.SessionToken, nil
	case "auth-request":
		if msg := resp.errorMessage(); msg != "" {
			return "", &ProtocolError{
				Kind:      KindAuthRejected,
				Protocol:  "anyconnect",
				Message:   msg,
				Retryable: true,
			}
		}
		// A further form without an error asks for a second factor.
		return "", &ProtocolError{
			Kind:     KindAuthRejected,
			Protocol: "anyconnect",
			Message:  fmt.Sprintf("additional authentication step required: %s", strings.TrimSpace(resp.Auth.Message)),
		}
	}
	return "", a.protocolErr(fmt.Sprintf("unexpected %q reply to auth-reply", resp.Type))
}

func (a *anyConnectAuth) protocolErr(msg string) error {
	return &ProtocolError{Kind: KindHandshakeFailed, Reason: ReasonProtocol, Protocol: "anyconnect", Message: msg}
}

func (a *anyConnectAuth) post(ctx context.Context, target string, body configAuthRequest) (*configAuthResponse, error) {
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, err
	}
	payload = append([]byte(xml.Header), payload...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Transcend-Version", "1")
	req.Header.Set("X-Aggregate-Auth", "1")
	req.Header.Set("X-Support-HTTP-Auth", "true")

	common.LogDebug("AnyConnect: POST %s (%s)", target, body.Type)
	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == context.Canceled {
			return nil, ctxErr
		}
		return nil, handshakeError("anyconnect", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, handshakeError("anyconnect", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &ProtocolError{Kind: KindAuthRejected, Protocol: "anyconnect", Message: resp.Status, Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.protocolErr(fmt.Sprintf("gateway returned %s", resp.Status))
	}

	var parsed configAuthResponse
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, a.protocolErr(fmt.Sprintf("invalid config-auth reply: %v", err))
	}
	return &parsed, nil
}

// CloseIdleConnections releases the HTTPS connection.
func (a *anyConnectAuth) CloseIdleConnections() {
	a.client.CloseIdleConnections()
}
