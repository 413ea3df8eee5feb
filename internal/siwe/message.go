// Package siwe parses Sign-In with Ethereum messages.
//
// Parsing is syntactic only. It never fails; fields the message does not
// carry are left empty and validation belongs to the caller.
package siwe

import (
	"strings"
)

const headerSuffix = " wants you to sign in with your Ethereum account:"

// Message is a parsed sign-in message. Time fields are kept as the raw
// strings that were signed.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        string
	Nonce          string
	IssuedAt       string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string

	// Fields holds every "Key: value" line under its normalized key,
	// including the ones copied into the typed fields above.
	Fields map[string]string
}

// Field returns the value of a normalized key, "" if absent.
func (m *Message) Field(key string) string {
	return m.Fields[key]
}

// NormalizeKey lower-cases a key and replaces spaces with underscores,
// so "Expiration Time" becomes "expiration_time".
func NormalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
}

// Parse splits message into its header, address, statement, and fields.
//
// Line 1 is "<domain> wants you to sign in with your Ethereum account:",
// line 2 the address. Remaining lines are either "Key: value" pairs or the
// free-text statement. A "Resources:" line starts a list of "- <uri>" items.
func Parse(message string) *Message {
	m := &Message{Fields: make(map[string]string)}

	lines := strings.Split(strings.ReplaceAll(strings.TrimSpace(message), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return m
	}

	if d, ok := strings.CutSuffix(strings.TrimSpace(lines[0]), headerSuffix); ok {
		m.Domain = strings.TrimSpace(d)
	}
	if len(lines) > 1 {
		m.Address = strings.TrimSpace(lines[1])
	}

	inResources := false
	for _, raw := range lines[min(2, len(lines)):] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if inResources {
			if item, ok := strings.CutPrefix(line, "- "); ok {
				m.Resources = append(m.Resources, strings.TrimSpace(item))
				continue
			}
			inResources = false
		}
		if line == "Resources:" {
			inResources = true
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			m.Statement = line
			continue
		}
		m.Fields[NormalizeKey(k)] = strings.TrimSpace(v)
	}

	m.URI = m.Fields["uri"]
	m.Version = m.Fields["version"]
	m.ChainID = m.Fields["chain_id"]
	m.Nonce = m.Fields["nonce"]
	m.IssuedAt = m.Fields["issued_at"]
	m.ExpirationTime = m.Fields["expiration_time"]
	m.NotBefore = m.Fields["not_before"]
	m.RequestID = m.Fields["request_id"]
	return m
}
