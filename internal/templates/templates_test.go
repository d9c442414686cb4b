package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, path string, m Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	body := []byte("name: scout\ndescription: a test profile\n")
	if err := os.WriteFile(filepath.Join(dir, "scout.yaml"), body, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(body)
	manifestPath := filepath.Join(dir, "pre-approved.json")
	writeManifest(t, manifestPath, Manifest{
		Version: 1,
		Templates: map[string]ManifestEntry{
			"scout": {Checksum: "sha256:" + hex.EncodeToString(sum[:])},
		},
	})

	s, err := NewStore(dir, manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"scout", "sage-2", "echo_core"} {
		if err := ValidateName(ok); err != nil {
			t.Errorf("ValidateName(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "Scout", "../scout", "a b", "scout.yaml", "-lead"} {
		if err := ValidateName(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", bad, err)
		}
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	s, _ := newTestStore(t)
	for _, name := range []string{"../etc/passwd", "..", "a/../../b"} {
		if _, err := s.Resolve(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Resolve(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestResolveMissingTemplate(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestVetPreApproved(t *testing.T) {
	s, dir := newTestStore(t)
	path, err := s.Vet("scout", "")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "scout.yaml") {
		t.Errorf("path = %q", path)
	}
}

func TestVetCustomTemplateRequiresSignature(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte("name: custom\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Vet("custom", ""); !errors.Is(err, ErrNotApproved) {
		t.Errorf("err = %v, want ErrNotApproved", err)
	}
	if _, err := s.Vet("custom", "wa-sig-bytes"); err != nil {
		t.Errorf("with signature: %v", err)
	}
}

func TestVetDigestMismatchDropsApproval(t *testing.T) {
	s, dir := newTestStore(t)
	// Tamper with the template after the manifest was written.
	if err := os.WriteFile(filepath.Join(dir, "scout.yaml"), []byte("name: evil\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Vet("scout", ""); !errors.Is(err, ErrNotApproved) {
		t.Errorf("err = %v, want ErrNotApproved", err)
	}
}

func TestMissingManifestMeansNothingApproved(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scout.yaml"), []byte("name: scout\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir, filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Vet("scout", ""); !errors.Is(err, ErrNotApproved) {
		t.Errorf("err = %v, want ErrNotApproved", err)
	}
}

func TestList(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "zeta.yaml"), []byte("name: zeta\n"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Name != "scout" || infos[1].Name != "zeta" {
		t.Fatalf("infos = %+v", infos)
	}
	if !infos[0].PreApproved || infos[1].PreApproved {
		t.Errorf("approval flags wrong: %+v", infos)
	}
}
