package session

import (
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// validateAndCommit runs the session's integrity check exactly once after
// sealing. Every staged file must resolve to one consistent package
// identity; the first file parsed is the reference and any later
// disagreement fails the whole session. On success the session is
// committed and progress snaps to 1.0.
//
// Failure never leaves the session retryable in place: the caller destroys
// it and the client opens a fresh session.
func (s *Session) validateAndCommit() *sesserr.Error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d is destroyed", s.id)
	case s.state < StateSealed:
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d is not sealed", s.id)
	case s.state >= StateCommitted:
		// Validation already ran; idempotent re-entry is a no-op.
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var resolved *Resolved
	var err *sesserr.Error
	switch {
	case s.params.MultiPackage:
		// A parent owns no content of its own; identity aggregates from
		// children during group commit.
		resolved = &Resolved{PackageName: s.params.PackageName}
	case s.params.DataLoader != nil:
		resolved, err = s.validateDeclarations()
	default:
		resolved, err = s.validateContent()
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d destroyed during validation", s.id)
	}
	s.resolved = resolved
	s.advanceLocked(StateCommitted)
	s.clientProgress = 1
	s.internalProgress = 1
	_, value := s.computeProgressLocked(true)
	s.mu.Unlock()

	s.publishProgress(value)
	s.log.Info("session committed",
		zap.Int("session_id", s.id),
		zap.String("package", resolved.PackageName),
		zap.Int64("version_code", resolved.VersionCode),
	)
	return nil
}

// validateDeclarations checks a data-loader session's declarative file set.
// Bytes arrive through the loader, so identity comes from the declared
// package name; structural rules still apply.
func (s *Session) validateDeclarations() (*Resolved, *sesserr.Error) {
	s.mu.Lock()
	declared := append([]types.DeclaredFile(nil), s.declared...)
	s.mu.Unlock()

	if len(declared) == 0 {
		return nil, sesserr.New(sesserr.InvalidState, "session %d declares no files", s.id)
	}
	seen := make(map[string]bool, len(declared))
	removals := 0
	for _, f := range declared {
		if f.Removed {
			removals++
			continue
		}
		if seen[f.Name] {
			return nil, sesserr.New(sesserr.InconsistentPackage, "duplicate declared file %q", f.Name)
		}
		seen[f.Name] = true
	}
	if removals > 0 && s.params.Mode != types.ModeInheritExisting {
		return nil, sesserr.New(sesserr.InvalidState, "removal markers require inherit mode")
	}
	if len(seen) == 0 && s.params.Mode != types.ModeInheritExisting {
		return nil, sesserr.New(sesserr.InvalidState, "session %d declares only removals", s.id)
	}
	if s.params.PackageName == "" {
		return nil, sesserr.New(sesserr.InconsistentPackage, "data-loader install requires a declared package name")
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return &Resolved{
		PackageName: s.params.PackageName,
		StagedFiles: names,
	}, nil
}

// validateContent parses every staged archive and enforces identity and
// split consistency, inheriting unoverridden files when the session
// overlays an existing install.
func (s *Session) validateContent() (*Resolved, *sesserr.Error) {
	files, werr := s.listStagedFiles()
	if werr != nil {
		return nil, werr
	}
	if len(files) == 0 {
		return nil, sesserr.New(sesserr.InvalidState, "session %d contains no staged files", s.id)
	}

	res := &Resolved{}
	splitsSeen := make(map[string]string) // split name -> file, "" key is base
	var reference *collab.ParseResult
	var baseParsed *collab.ParseResult

	for i, name := range files {
		path := s.stagePath(name)
		if ferr := checkRegularNonEmpty(path); ferr != nil {
			return nil, ferr
		}
		if mt, err := mimetype.DetectFile(path); err == nil {
			s.log.Debug("staged file detected",
				zap.Int("session_id", s.id),
				zap.String("file", name),
				zap.String("mime", mt.String()),
			)
		}

		parsed, err := s.deps.Validator.ParseLite(path)
		if err != nil {
			return nil, sesserr.Wrap(sesserr.InconsistentPackage, err, "parse %q", name)
		}

		if reference == nil {
			// First file wins as the identity reference.
			reference = parsed
			if s.params.PackageName != "" && s.params.PackageName != parsed.PackageName {
				return nil, sesserr.New(sesserr.InconsistentPackage,
					"staged package %q does not match declared %q", parsed.PackageName, s.params.PackageName)
			}
		} else if parsed.PackageName != reference.PackageName ||
			parsed.VersionCode != reference.VersionCode ||
			parsed.SigningID != reference.SigningID {
			return nil, sesserr.New(sesserr.InconsistentPackage,
				"%q (%s v%d) does not match %q (%s v%d)",
				name, parsed.PackageName, parsed.VersionCode,
				files[0], reference.PackageName, reference.VersionCode)
		}

		if prev, dup := splitsSeen[parsed.SplitName]; dup {
			return nil, sesserr.New(sesserr.InconsistentPackage,
				"duplicate split %q in %q and %q", splitName(parsed), prev, name)
		}
		splitsSeen[parsed.SplitName] = name

		if parsed.SplitName == "" {
			baseParsed = parsed
			res.BaseFile = name
		}
		if parsed.IsModule() {
			res.ContainsModule = true
			res.ModuleNames = append(res.ModuleNames, parsed.PackageName)
		}

		digest, derr := fileDigest(path)
		if derr != nil {
			return nil, derr
		}
		res.Digests = append(res.Digests, types.FileDigest{Name: name, Digest: digest})
		res.StagedFiles = append(res.StagedFiles, name)

		s.mu.Lock()
		publish, value := s.setInternalProgressLocked(float64(i+1) / float64(len(files)+1))
		s.mu.Unlock()
		if publish {
			s.publishProgress(value)
		}
	}

	res.PackageName = reference.PackageName
	res.VersionCode = reference.VersionCode
	res.SigningID = reference.SigningID

	if s.params.Mode == types.ModeInheritExisting {
		if err := s.inheritExisting(res, baseParsed, splitsSeen); err != nil {
			return nil, err
		}
	} else if baseParsed == nil {
		return nil, sesserr.New(sesserr.InconsistentPackage, "no base file staged for %q", res.PackageName)
	}

	// A package requiring splits must carry more than its base.
	if baseParsed != nil && baseParsed.RequiresSplit() &&
		len(res.StagedFiles)+len(res.InheritedFiles) <= 1 {
		return nil, sesserr.New(sesserr.MissingSplit, "%q requires at least one split", res.PackageName)
	}

	return res, nil
}

// inheritExisting validates identity against the installed package and
// pulls in unoverridden files by reference: hard link when source and
// destination share a device, byte copy otherwise.
func (s *Session) inheritExisting(res *Resolved, baseParsed *collab.ParseResult, splitsSeen map[string]string) *sesserr.Error {
	if s.deps.Catalog == nil {
		return sesserr.New(sesserr.InvalidState, "inherit mode requires an installed-package catalog")
	}
	existing, ok := s.deps.Catalog.Existing(res.PackageName, s.userID)
	if !ok {
		return sesserr.New(sesserr.InconsistentPackage, "no existing install of %q to inherit", res.PackageName)
	}
	if existing.SigningID != res.SigningID {
		return sesserr.New(sesserr.InconsistentPackage,
			"staged signing identity does not match installed %q", res.PackageName)
	}
	if res.VersionCode < existing.VersionCode && s.params.Flags&types.FlagAllowDowngrade == 0 {
		return sesserr.New(sesserr.InconsistentPackage,
			"downgrade of %q from %d to %d not allowed", res.PackageName, existing.VersionCode, res.VersionCode)
	}

	if baseParsed == nil {
		dst := s.stagePath("base.apk")
		if err := linkOrCopy(existing.BasePath, dst); err != nil {
			return err
		}
		res.BaseFile = "base.apk"
		res.InheritedFiles = append(res.InheritedFiles, "base.apk")
	}
	// Deterministic inherit order.
	names := make([]string, 0, len(existing.SplitPaths))
	for split := range existing.SplitPaths {
		names = append(names, split)
	}
	sort.Strings(names)
	for _, split := range names {
		if _, overridden := splitsSeen[split]; overridden {
			continue
		}
		name := "split_" + split + ".apk"
		if err := linkOrCopy(existing.SplitPaths[split], s.stagePath(name)); err != nil {
			return err
		}
		res.InheritedFiles = append(res.InheritedFiles, name)
	}
	return nil
}

// listStagedFiles walks the content area and returns regular file names in
// sorted order so validation is deterministic.
func (s *Session) listStagedFiles() ([]string, *sesserr.Error) {
	if s.stageDir == "" {
		return nil, nil
	}
	var files []string
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.stageDir {
				return fs.SkipDir // content area is flat
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "enumerate content area")
	}
	sort.Strings(files)
	return files, nil
}

func checkRegularNonEmpty(path string) *sesserr.Error {
	fi, err := os.Stat(path)
	if err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "stat %q", path)
	}
	if fi.Size() == 0 {
		return sesserr.New(sesserr.StorageUnavailable, "staged file %q is empty", fi.Name())
	}
	return nil
}

// fileDigest computes the blake2b-256 digest of a staged file.
func fileDigest(path string) ([]byte, *sesserr.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "open %q", path)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "init digest")
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "digest %q", path)
	}
	return h.Sum(nil), nil
}

// linkOrCopy inherits a file by reference: hard link first, byte copy when
// the link fails (typically a cross-device source).
func linkOrCopy(src, dst string) *sesserr.Error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "inherit %q", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "inherit %q", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "inherit copy %q", dst)
	}
	if err := out.Close(); err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "inherit close %q", dst)
	}
	return nil
}

func splitName(p *collab.ParseResult) string {
	if p.SplitName == "" {
		return "base"
	}
	return p.SplitName
}
