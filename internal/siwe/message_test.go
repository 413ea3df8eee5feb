package siwe

import (
	"testing"
)

const fullMessage = `app.example.com wants you to sign in with your Ethereum account:
0xAbC0000000000000000000000000000000000001

Sign in to chat with your characters.

URI: https://app.example.com/login
Version: 1
Chain ID: 480
Nonce: 4f3c2a1b9e8d7c6b
Issued At: 2026-01-01T00:00:00Z
Expiration Time: 2026-01-01T00:15:00Z
Not Before: 2025-12-31T23:59:00Z
Request ID: req-42
Resources:
- https://app.example.com/terms
- ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi`

// --- Parse ---

func TestParse(t *testing.T) {
	t.Run("full message populates every field", func(t *testing.T) {
		m := Parse(fullMessage)

		checks := []struct {
			name, got, want string
		}{
			{"Domain", m.Domain, "app.example.com"},
			{"Address", m.Address, "0xAbC0000000000000000000000000000000000001"},
			{"Statement", m.Statement, "Sign in to chat with your characters."},
			{"URI", m.URI, "https://app.example.com/login"},
			{"Version", m.Version, "1"},
			{"ChainID", m.ChainID, "480"},
			{"Nonce", m.Nonce, "4f3c2a1b9e8d7c6b"},
			{"IssuedAt", m.IssuedAt, "2026-01-01T00:00:00Z"},
			{"ExpirationTime", m.ExpirationTime, "2026-01-01T00:15:00Z"},
			{"NotBefore", m.NotBefore, "2025-12-31T23:59:00Z"},
			{"RequestID", m.RequestID, "req-42"},
		}
		for _, c := range checks {
			if c.got != c.want {
				t.Errorf("%s: expected %q, got %q", c.name, c.want, c.got)
			}
		}
		if len(m.Resources) != 2 || m.Resources[0] != "https://app.example.com/terms" {
			t.Errorf("Resources: got %v", m.Resources)
		}
	})

	t.Run("keys are normalized", func(t *testing.T) {
		m := Parse("d wants you to sign in with your Ethereum account:\n0x1\nExpiration Time: later\nSome Custom Key: v")
		if m.Field("expiration_time") != "later" {
			t.Errorf("expiration_time: got %q", m.Field("expiration_time"))
		}
		if m.Field("some_custom_key") != "v" {
			t.Errorf("some_custom_key: got %q", m.Field("some_custom_key"))
		}
	})

	t.Run("minimal message", func(t *testing.T) {
		m := Parse("d wants you to sign in with your Ethereum account:\n0xAbC\nNonce: n1")
		if m.Domain != "d" || m.Address != "0xAbC" || m.Nonce != "n1" {
			t.Errorf("unexpected parse: %+v", m)
		}
		if m.Statement != "" || m.ExpirationTime != "" {
			t.Errorf("absent fields should be empty: %+v", m)
		}
	})

	t.Run("value containing colon-space keeps remainder", func(t *testing.T) {
		m := Parse("d wants you to sign in with your Ethereum account:\n0x1\nURI: https://x.y/a: b")
		if m.URI != "https://x.y/a: b" {
			t.Errorf("URI: got %q", m.URI)
		}
	})

	t.Run("CRLF line endings", func(t *testing.T) {
		m := Parse("d wants you to sign in with your Ethereum account:\r\n0x1\r\nNonce: abc\r\n")
		if m.Address != "0x1" || m.Nonce != "abc" {
			t.Errorf("unexpected parse: %+v", m)
		}
	})

	t.Run("garbage never fails", func(t *testing.T) {
		for _, in := range []string{"", "hello", "\n\n\n", "only one line: with colon"} {
			m := Parse(in)
			if m == nil {
				t.Fatalf("Parse(%q) returned nil", in)
			}
			if m.Domain != "" {
				t.Errorf("Parse(%q): Domain should be empty, got %q", in, m.Domain)
			}
		}
	})
}
