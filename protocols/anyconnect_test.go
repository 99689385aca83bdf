package protocols

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

const authRequestForm = `<?xml version="1.0" encoding="UTF-8"?>
<config-auth client="vpn" type="auth-request" aggregate-auth-version="2">
<opaque is-for="sg"><tunnel-group>corp</tunnel-group></opaque>
<auth id="main">
<message>Please enter your username and password.</message>
%s
<form method="post" action="/auth">
<input type="text" name="username" label="Username:"></input>
<input type="password" name="password" label="Password:"></input>
</form>
</auth>
</config-auth>`

const authComplete = `<?xml version="1.0" encoding="UTF-8"?>
<config-auth client="vpn" type="complete" aggregate-auth-version="2">
<session-id>1</session-id>
<session-token>TOKEN-123</session-token>
<auth id="success"><message>Success</message></auth>
</config-auth>`

// fakeAnyConnectGateway accepts alice/good and otherwise re-issues the
// form with an error.
func fakeAnyConnectGateway(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Aggregate-Auth") != "1" {
			http.Error(w, "missing aggregate auth header", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req configAuthRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch req.Type {
		case "init":
			w.Write([]byte(strings.Replace(authRequestForm, "%s", "", 1)))
		case "auth-reply":
			if r.URL.Path != "/auth" {
				t.Errorf("auth-reply posted to %s, want /auth", r.URL.Path)
			}
			if req.Opaque == nil || !strings.Contains(req.Opaque.Inner, "corp") {
				t.Errorf("opaque not echoed: %+v", req.Opaque)
			}
			if req.Auth != nil && req.Auth.Username == "alice" && req.Auth.Password == "good" {
				w.Write([]byte(authComplete))
				return
			}
			w.Write([]byte(strings.Replace(authRequestForm, "%s", `<error id="88" param1="" param2="">Login failed.</error>`, 1)))
		default:
			http.Error(w, "unexpected type", http.StatusBadRequest)
		}
	})
}

func TestAnyConnectAuth_Login(t *testing.T) {
	srv := newGateway(t, fakeAnyConnectGateway(t))
	req := gatewayRequest(t, srv.URL, rootsFor(srv), "")

	probe, err := Probe(context.Background(), "anyconnect", req)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := newAnyConnectAuth(req, probe)
	if err != nil {
		t.Fatal(err)
	}
	defer auth.CloseIdleConnections()

	token, err := auth.Login(context.Background(), config.PasswordCredentials{Username: "alice", Password: "good"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token != "TOKEN-123" {
		t.Errorf("Login() token = %v, want TOKEN-123", token)
	}

	_, err = auth.Login(context.Background(), config.PasswordCredentials{Username: "alice", Password: "bad"})
	if !errors.Is(err, common.ErrAuthRejected) || !IsRetryableAuth(err) {
		t.Errorf("Login(bad) error = %v, want retryable AuthRejected", err)
	}
}

func TestAnyConnectAuth_PinMismatch(t *testing.T) {
	srv := newGateway(t, fakeAnyConnectGateway(t))
	req := gatewayRequest(t, srv.URL, rootsFor(srv), "")

	probe, err := Probe(context.Background(), "anyconnect", req)
	if err != nil {
		t.Fatal(err)
	}
	probe.Fingerprint = "pin-sha256:other"

	auth, err := newAnyConnectAuth(req, probe)
	if err != nil {
		t.Fatal(err)
	}
	_, err = auth.Login(context.Background(), config.PasswordCredentials{Username: "alice", Password: "good"})
	if !errors.Is(err, common.ErrHandshakeFailed) {
		t.Errorf("Login() error = %v, want ErrHandshakeFailed", err)
	}
}

func TestEngine_AuthenticateAnyConnect(t *testing.T) {
	srv := newGateway(t, fakeAnyConnectGateway(t))
	req := gatewayRequest(t, srv.URL, rootsFor(srv), "")

	engine, err := GetAnyConnectProtocol().Instantiate(context.Background(), req)
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer engine.Shutdown(context.Background())

	if err := engine.Authenticate(context.Background(), config.PasswordCredentials{Username: "alice", Password: "good"}); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got := engine.(*openConnectEngine).cookie; got != "TOKEN-123" {
		t.Errorf("cookie = %v, want TOKEN-123", got)
	}
}
