// Package templates resolves and vets agent templates. A template is a
// YAML profile in the templates directory; pre-approved templates are
// listed in a signed manifest with their content digests. Verification
// of the manifest's root signature happens upstream; this package only
// checks membership and digests.
package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrInvalidName is returned for template names outside the safe
	// identifier character class.
	ErrInvalidName = errors.New("invalid template name")
	// ErrNotFound is returned when no template file exists for a name.
	ErrNotFound = errors.New("template not found")
	// ErrNotApproved is returned when a template is absent from the
	// manifest (or its digest mismatches) and no WA signature was given.
	ErrNotApproved = errors.New("template not pre-approved and no WA signature provided")
)

// nameRE is the safe identifier class for template names. Names feed
// into file paths and agent ids, so this stays strict.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Manifest is the pre-approval document: template name to sha-256
// content digest, plus the WA root signature over the whole document.
type Manifest struct {
	Version       int                      `json:"version"`
	CreatedAt     string                   `json:"created_at,omitempty"`
	Templates     map[string]ManifestEntry `json:"templates"`
	RootSignature string                   `json:"root_signature,omitempty"`
}

// ManifestEntry describes one pre-approved template.
type ManifestEntry struct {
	Checksum    string `json:"checksum"` // "sha256:<hex>"
	Description string `json:"description,omitempty"`
}

// Store reads templates from a directory and vets them against a
// manifest. A missing manifest means nothing is pre-approved.
type Store struct {
	dir      string
	manifest *Manifest
}

// NewStore loads the manifest at manifestPath. The manifest file is
// optional; a parse failure of an existing file is an error.
func NewStore(dir, manifestPath string) (*Store, error) {
	s := &Store{dir: dir}

	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template manifest %s: %w", manifestPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse template manifest %s: %w", manifestPath, err)
	}
	s.manifest = &m
	return s, nil
}

// ValidateName rejects names outside the safe identifier class.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Resolve validates the name and returns the template file path,
// confirmed to live inside the templates directory.
func (s *Store) Resolve(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name+".yaml")
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve template %s: %w", name, err)
	}
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("resolve templates dir: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes templates directory", ErrInvalidName, name)
	}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return "", fmt.Errorf("stat template %s: %w", name, err)
	}
	return abs, nil
}

// IsPreApproved reports whether the template at path is listed in the
// manifest with a matching content digest.
func (s *Store) IsPreApproved(name, path string) (bool, error) {
	if s.manifest == nil {
		return false, nil
	}
	entry, ok := s.manifest.Templates[name]
	if !ok {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read template %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return entry.Checksum == "sha256:"+hex.EncodeToString(sum[:]), nil
}

// Vet resolves a template and enforces the approval policy: either the
// template is pre-approved, or the caller supplied a WA signature.
// Returns the resolved path.
func (s *Store) Vet(name, waSignature string) (string, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	approved, err := s.IsPreApproved(name, path)
	if err != nil {
		return "", err
	}
	if !approved && waSignature == "" {
		return "", fmt.Errorf("%w: %s", ErrNotApproved, name)
	}
	return path, nil
}

// Info describes one available template for the control-plane API.
type Info struct {
	Name        string `json:"name"`
	PreApproved bool   `json:"pre_approved"`
	Description string `json:"description,omitempty"`
}

// List enumerates the templates directory, sorted by name.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var out []Info
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok || e.IsDir() || ValidateName(name) != nil {
			continue
		}
		info := Info{Name: name}
		if approved, err := s.IsPreApproved(name, filepath.Join(s.dir, e.Name())); err == nil {
			info.PreApproved = approved
		}
		if s.manifest != nil {
			info.Description = s.manifest.Templates[name].Description
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
