// Package lifecycle creates, deletes, and restarts agents. It owns
// identity allocation, per-agent directory materialization, and the
// local/remote start dispatch.
package lifecycle

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
)

// suffixAlphabet deliberately omits 0/O/I/l/1 so ids survive being
// read aloud or retyped.
const suffixAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

const suffixLength = 6

const (
	serviceTokenBytes  = 32
	adminPasswordBytes = 24
)

// NewAgentID builds an agent id from a human name: a lowercase slug
// plus a random suffix from the confusion-free alphabet.
func NewAgentID(name string) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return Slug(name) + "-" + suffix, nil
}

// Slug reduces a human name to a URL-safe lowercase identifier.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		slug = "agent"
	}
	return slug
}

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent id suffix: %w", err)
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(buf), nil
}

// NewServiceToken generates the agent's service token.
func NewServiceToken() (string, error) {
	return randomSecret(serviceTokenBytes)
}

// NewAdminPassword generates the agent's admin password.
func NewAdminPassword() (string, error) {
	return randomSecret(adminPasswordBytes)
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
