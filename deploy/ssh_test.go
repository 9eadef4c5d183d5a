package deploy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/run-ci/convey/config"
)

func testPrivateKey(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestSSHDeployBadKey(t *testing.T) {
	res := SSH{}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind: config.KindSSH,
			Host: "web-1",
			User: "deploy",
			Dir:  "/srv/www",
		},
		Key: []byte("not a private key"),
	})

	if res.Transferred {
		t.Fatalf("expected transfer to fail on a bad key")
	}
	if !strings.Contains(res.Detail, "parsing private key") {
		t.Fatalf("expected key parse detail, got %q", res.Detail)
	}
}

func TestSSHDeployBadKnownHosts(t *testing.T) {
	res := SSH{}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind:       config.KindSSH,
			Host:       "web-1",
			User:       "deploy",
			Dir:        "/srv/www",
			KnownHosts: "/nonexistent/known_hosts",
		},
		Key: testPrivateKey(t),
	})

	if res.Transferred {
		t.Fatalf("expected transfer to fail on missing known_hosts")
	}
	if !strings.Contains(res.Detail, "loading known hosts") {
		t.Fatalf("expected known hosts detail, got %q", res.Detail)
	}
}

func TestSSHDeployDialFailure(t *testing.T) {
	// Port 1 on localhost refuses connections immediately.
	res := SSH{DialTimeout: 2 * time.Second}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind: config.KindSSH,
			Host: "127.0.0.1:1",
			User: "deploy",
			Dir:  "/srv/www",
		},
		Key: testPrivateKey(t),
	})

	if res.Transferred {
		t.Fatalf("expected transfer to fail when the target is unreachable")
	}
	if !strings.Contains(res.Detail, "dialing") {
		t.Fatalf("expected dial detail, got %q", res.Detail)
	}
	if res.Files != 0 {
		t.Fatalf("expected no files reported, got %d", res.Files)
	}
}
