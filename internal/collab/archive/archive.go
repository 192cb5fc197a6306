// Package archive implements the lite parse over staged package archives.
// An archive is a zip whose manifest.json declares the identity fields a
// session validates against; full content inspection is the installer's
// business, not ours.
package archive

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"golang.org/x/crypto/blake2b"

	"github.com/packagesmith/installd/internal/collab"
)

const manifestName = "manifest.json"

// manifest is the identity block embedded in every archive.
type manifest struct {
	PackageName   string `json:"package_name"`
	VersionCode   int64  `json:"version_code"`
	SplitName     string `json:"split_name,omitempty"`
	SigningID     string `json:"signing_id,omitempty"`
	Module        bool   `json:"module,omitempty"`
	RequiresSplit bool   `json:"requires_split,omitempty"`
}

// Validator parses archives just deep enough for identity checks.
type Validator struct{}

var _ collab.ArchiveValidator = (*Validator)(nil)

// New creates a validator.
func New() *Validator { return &Validator{} }

// ParseLite opens the archive and extracts its declared identity. The
// signing id falls back to a digest of the embedded signature block when
// the manifest does not carry one.
func (v *Validator) ParseLite(path string) (*collab.ParseResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	var m *manifest
	var sigDigest string
	for _, f := range r.File {
		switch f.Name {
		case manifestName:
			parsed, merr := readManifest(f)
			if merr != nil {
				return nil, merr
			}
			m = parsed
		case "META-INF/CERT.SF", "META-INF/signature":
			d, derr := digestEntry(f)
			if derr != nil {
				return nil, derr
			}
			sigDigest = d
		}
	}
	if m == nil {
		return nil, fmt.Errorf("archive carries no %s", manifestName)
	}
	if m.PackageName == "" {
		return nil, fmt.Errorf("manifest declares no package name")
	}
	if m.VersionCode <= 0 {
		return nil, fmt.Errorf("manifest declares invalid version code %d", m.VersionCode)
	}

	res := &collab.ParseResult{
		PackageName: m.PackageName,
		VersionCode: m.VersionCode,
		SplitName:   m.SplitName,
		SigningID:   m.SigningID,
	}
	if res.SigningID == "" {
		res.SigningID = sigDigest
	}
	if m.Module {
		res.Flags |= collab.FlagModule
	}
	if m.RequiresSplit {
		res.Flags |= collab.FlagRequiredSplit
	}
	return res, nil
}

func readManifest(f *zip.File) (*manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer rc.Close()

	var m manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func digestEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("digest %s: %w", f.Name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
