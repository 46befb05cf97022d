// Package turncred derives coturn-compatible TURN REST (ephemeral)
// credentials so each call gets its own short-lived TURN login instead of a
// static one baked into the app.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/config"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

func NewGenerator(cfg config.TurnRESTConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turncred: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turncred: TTLSeconds must be > 0")
	}
	prefix := cfg.UsernamePrefix
	if prefix == "" {
		return nil, errors.New("turncred: UsernamePrefix is required")
	}
	if strings.ContainsRune(prefix, ':') {
		return nil, errors.New("turncred: UsernamePrefix must not contain ':'")
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: prefix,
		now:            time.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate derives credentials bound to sessionID. The session ID ends up in
// the TURN username, which makes the coturn logs correlatable with call logs.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turncred: sessionID is required")
	}
	if strings.ContainsRune(sessionID, ':') {
		return Credentials{}, errors.New("turncred: sessionID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, sessionID)
	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiryUnix,
	}, nil
}

// ICEServers returns base with per-call TURN credentials injected into every
// server that carries a turn:/turns: URL. Servers without TURN URLs pass
// through unchanged, as do TURN servers that already have static credentials.
func (g *Generator) ICEServers(base []webrtc.ICEServer, sessionID string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(base))
	for _, server := range base {
		if !hasTURNURL(server) || server.Username != "" {
			out = append(out, server)
			continue
		}
		creds, err := g.Generate(sessionID)
		if err != nil {
			return nil, err
		}
		server.Username = creds.Username
		server.Credential = creds.Credential
		out = append(out, server)
	}
	return out, nil
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
