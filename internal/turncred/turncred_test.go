package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/config"
)

func newTestGenerator(t *testing.T, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(config.TurnRESTConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "amora",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.now = func() time.Time { return now }
	return g
}

func expectedCredential(t *testing.T, secret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, secret)
	if _, err := mac.Write([]byte(username)); err != nil {
		t.Fatalf("hmac write: %v", err)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := newTestGenerator(t, time.Unix(1_700_000_000, 0).UTC())

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700003600:amora:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential(t, []byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix: got %d", creds.ExpiryUnix)
	}
}

func TestGenerate_RejectsColonInSessionID(t *testing.T) {
	g := newTestGenerator(t, time.Unix(0, 0))
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for ':' in session id")
	}
}

func TestICEServers_InjectsOnlyIntoTURN(t *testing.T) {
	g := newTestGenerator(t, time.Unix(1_700_000_000, 0).UTC())

	base := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.amora.app:3478"}},
		{URLs: []string{"turn:turn.amora.app:3478"}},
		{URLs: []string{"turn:static.amora.app:3478"}, Username: "static", Credential: "cred"},
	}

	out, err := g.ICEServers(base, "s1")
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(out))
	}
	if out[0].Username != "" {
		t.Fatalf("stun server must not get credentials")
	}
	if out[1].Username == "" || out[1].Credential == nil {
		t.Fatalf("turn server missing injected credentials")
	}
	if out[2].Username != "static" {
		t.Fatalf("static turn credentials must pass through, got %q", out[2].Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []config.TurnRESTConfig{
		{SharedSecret: "", TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 0, UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: ""},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
