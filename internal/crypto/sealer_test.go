package crypto

import (
	"strings"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer("install-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal("service-token-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "service-token-value") {
		t.Error("sealed output contains plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "service-token-value" {
		t.Errorf("Open = %q", got)
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	s, _ := NewSealer("install-secret")
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext are identical (nonce reuse?)")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s1, _ := NewSealer("secret-one")
	s2, _ := NewSealer("secret-two")

	sealed, _ := s1.Seal("token")
	if _, err := s2.Open(sealed); err == nil {
		t.Error("Open with wrong key succeeded")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, _ := NewSealer("secret")
	if _, err := s.Open("not-base64!!"); err == nil {
		t.Error("Open accepted invalid base64")
	}
	if _, err := s.Open("c2hvcnQ"); err == nil {
		t.Error("Open accepted truncated token")
	}
}

func TestNewSealerRejectsEmptySecret(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Error("NewSealer accepted empty secret")
	}
}
