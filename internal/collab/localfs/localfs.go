// Package localfs is the built-in installer backend: committed sessions
// land under an install root, one directory per package, with a small
// metadata record that also answers installed-package lookups for
// inherit-mode sessions.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
)

const metaName = "meta.json"

// meta is the per-package install record.
type meta struct {
	PackageName string            `json:"package_name"`
	VersionCode int64             `json:"version_code"`
	SigningID   string            `json:"signing_id"`
	Base        string            `json:"base"`
	Splits      map[string]string `json:"splits,omitempty"`
}

// Store places validated session content under root/<package>/ and serves
// catalog lookups from the same layout. One write lock serializes installs;
// reads are concurrent.
type Store struct {
	root string
	mu   sync.RWMutex
	log  *logging.Logger
}

// New creates the install root if needed.
func New(root string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create install root: %w", err)
	}
	return &Store{root: root, log: logger.Named("localfs")}, nil
}

var (
	_ collab.Installer        = (*Store)(nil)
	_ collab.InstalledCatalog = (*Store)(nil)
)

// InstallNonStaged moves the session's resolved files into place. The new
// version replaces the old one atomically via a directory rename.
func (s *Store) InstallNonStaged(_ context.Context, req collab.InstallRequest) error {
	if req.PackageName == "" {
		return fmt.Errorf("install request for session %d has no package name", req.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := filepath.Join(s.root, req.PackageName+".next")
	if err := os.RemoveAll(next); err != nil {
		return fmt.Errorf("clear previous attempt: %w", err)
	}
	if err := os.MkdirAll(next, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}

	m := meta{
		PackageName: req.PackageName,
		VersionCode: req.VersionCode,
		SigningID:   req.SigningID,
		Splits:      make(map[string]string),
	}
	for _, name := range req.Files {
		src := filepath.Join(req.StageDir, name)
		dst := filepath.Join(next, name)
		if err := moveFile(src, dst); err != nil {
			os.RemoveAll(next)
			return err
		}
		if split, ok := splitOf(name); ok {
			m.Splits[split] = dst
		} else {
			m.Base = dst
		}
	}
	if err := writeMeta(next, &m); err != nil {
		os.RemoveAll(next)
		return err
	}

	final := filepath.Join(s.root, req.PackageName)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove old version: %w", err)
	}
	if err := os.Rename(next, final); err != nil {
		return fmt.Errorf("activate package dir: %w", err)
	}
	// Paths in meta still point at the .next dir; rewrite against the
	// final location.
	m.Base = strings.Replace(m.Base, next, final, 1)
	for k, v := range m.Splits {
		m.Splits[k] = strings.Replace(v, next, final, 1)
	}
	if err := writeMeta(final, &m); err != nil {
		return err
	}

	s.log.Info("package installed",
		zap.String("package", req.PackageName),
		zap.Int64("version_code", req.VersionCode),
		zap.Int("files", len(req.Files)),
	)
	return nil
}

// InstallStaged is identical placement-wise; sequencing around reboot is
// the staging coordinator's job.
func (s *Store) InstallStaged(ctx context.Context, req collab.InstallRequest) error {
	return s.InstallNonStaged(ctx, req)
}

// Existing looks up the installed record for a package.
func (s *Store) Existing(packageName string, _ int) (*collab.InstalledPackage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := readMeta(filepath.Join(s.root, packageName))
	if err != nil {
		return nil, false
	}
	return &collab.InstalledPackage{
		PackageName: m.PackageName,
		VersionCode: m.VersionCode,
		SigningID:   m.SigningID,
		BasePath:    m.Base,
		SplitPaths:  m.Splits,
	}, true
}

func splitOf(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if rest, ok := strings.CutPrefix(base, "split_"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

func writeMeta(dir string, m *meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	tmp := filepath.Join(dir, metaName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, metaName))
}

func readMeta(dir string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &m, nil
}

// moveFile renames when possible, copying across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return out.Close()
}

// StaticIdentity resolves installer identities from a fixed table; fine
// for a single-node deployment where the surrounding platform assigns
// uids.
type StaticIdentity struct {
	UIDs      map[string]int
	Authority map[int]bool
}

var _ collab.IdentityResolver = (*StaticIdentity)(nil)

// UIDForPackage maps a package identity to its uid.
func (i *StaticIdentity) UIDForPackage(packageName string, _ int) (int, error) {
	uid, ok := i.UIDs[packageName]
	if !ok {
		return 0, fmt.Errorf("unknown package %q", packageName)
	}
	return uid, nil
}

// HasInstallAuthority reports whether the uid may own install sessions.
func (i *StaticIdentity) HasInstallAuthority(uid int) bool {
	return i.Authority[uid]
}
