package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/infrastructure/monitoring"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Resolver resolves session ids to live sessions. Parent/child links are
// stored as ids and resolved through this, never as direct references, so
// parent and children cannot form ownership cycles.
type Resolver interface {
	Get(id int) (*Session, bool)
}

// StagedCommitter hands a sealed, staged session to the staging coordinator.
type StagedCommitter interface {
	CommitStaged(s *Session, target StatusTarget)
}

// Deps are the collaborators a session drives. Injected at construction.
type Deps struct {
	Validator collab.ArchiveValidator
	Installer collab.Installer
	Catalog   collab.InstalledCatalog
	Identity  collab.IdentityResolver
	Staging   StagedCommitter
	Events    *Notifier
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics

	// Queue dispatches background work (installer calls, finish
	// notifications) off the caller's goroutine. Defaults to `go fn()`.
	Queue func(fn func())

	// StartLoader begins the data-loader handshake for a streaming
	// session. The bridge reports back through the session's
	// OnImageReady / OnLoaderFailure hooks.
	StartLoader func(s *Session) error

	// StopLoader tears down any in-flight loader binding for the session.
	// Invoked during destroy so the binding never outlives its session.
	StopLoader func(sessionID int)
}

func (d *Deps) queue(fn func()) {
	if d.Queue != nil {
		d.Queue(fn)
		return
	}
	go fn()
}

// Session is one in-progress install transaction. All mutable state is
// guarded by mu; lifecycle progress is monotonic (see State).
type Session struct {
	id                int
	userID            int
	installerUID      int
	originalInstaller string
	createdAt         time.Time
	params            types.SessionParams
	stageDir          string

	deps     Deps
	resolver Resolver
	log      *logging.Logger

	// txnBusy is the two-phase transaction lock for cross-session
	// structural mutation. Acquisition fails fast instead of blocking.
	txnBusy atomic.Bool

	mu                  sync.Mutex
	state               State
	destroyed           bool
	relinquished        bool
	permissionsAccepted bool
	finalReported       bool

	installerUIDCur int // may change via ownership transfer, pre-commit only

	clientProgress   float64
	internalProgress float64
	reportedProgress float64
	progressReported bool
	writtenBytes     int64

	declared  []types.DeclaredFile
	checksums map[string][]types.Checksum

	transfers map[string]*Transfer

	parentID int
	childIDs []int

	stagedState   types.StagedState
	stagedErrCode sesserr.Code
	stagedErrMsg  string

	verifying      bool
	pendingAbandon bool
	pendingCleanup bool

	commitTarget    StatusTarget
	commitRequested bool
	imageReady      bool

	activeCount int32

	resolved *Resolved
}

// Resolved holds the validation outputs populated after sealing.
type Resolved struct {
	PackageName    string             `json:"package_name"`
	VersionCode    int64              `json:"version_code"`
	SigningID      string             `json:"signing_id"`
	BaseFile       string             `json:"base_file,omitempty"`
	StagedFiles    []string           `json:"staged_files,omitempty"`
	InheritedFiles []string           `json:"inherited_files,omitempty"`
	Digests        []types.FileDigest `json:"digests,omitempty"`
	ContainsModule bool               `json:"contains_module,omitempty"`
	ModuleNames    []string           `json:"module_names,omitempty"`
}

// New creates a fresh session with an empty content area. The directory is
// created lazily on the first Open call.
func New(sid, userID, installerUID int, originalInstaller string, params types.SessionParams, stageDir string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	s := &Session{
		id:                sid,
		userID:            userID,
		installerUID:      installerUID,
		installerUIDCur:   installerUID,
		originalInstaller: originalInstaller,
		createdAt:         time.Now(),
		params:            params,
		stageDir:          stageDir,
		deps:              deps,
		log:               deps.Logger.Named("session"),
		checksums:         make(map[string][]types.Checksum),
		transfers:         make(map[string]*Transfer),
	}
	return s
}

// ID returns the process-unique session id.
func (s *Session) ID() int { return s.id }

// UserID returns the owning user id.
func (s *Session) UserID() int { return s.userID }

// InstallerUID returns the current owning installer uid.
func (s *Session) InstallerUID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installerUIDCur
}

// Params returns the immutable session parameters.
func (s *Session) Params() types.SessionParams { return s.params }

// StageDir returns the content-area path. Empty for multi-package parents.
func (s *Session) StageDir() string { return s.stageDir }

// SetResolver wires the registry in after construction or restore.
func (s *Session) SetResolver(r Resolver) { s.resolver = r }

// Sealed reports whether the file set is frozen. Monotonic.
func (s *Session) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= StateSealed
}

// Committed reports whether validation succeeded. Monotonic.
func (s *Session) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= StateCommitted
}

// Destroyed reports whether the session was torn down. Monotonic.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// ActiveCount returns the install-in-flight reference count.
func (s *Session) ActiveCount() int32 { return atomic.LoadInt32(&s.activeCount) }

// acquireActive/releaseActive bracket installer work. While the count is
// held, destroy leaves the content area alone; the last release performs
// the removal a concurrent destroy deferred.
func (s *Session) acquireActive() { atomic.AddInt32(&s.activeCount, 1) }

func (s *Session) releaseActive() {
	if atomic.AddInt32(&s.activeCount, -1) > 0 {
		return
	}
	s.mu.Lock()
	cleanup := s.pendingCleanup
	s.pendingCleanup = false
	s.mu.Unlock()
	if cleanup {
		s.cleanupStageDir()
	}
}

// Open prepares the session. Idempotent: the content directory is created
// on the first call only. Multi-package parents own no content area.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d is destroyed", s.id)
	}
	if s.state >= StatePrepared {
		s.mu.Unlock()
		return nil
	}
	if !s.params.MultiPackage && s.stageDir != "" {
		if err := os.MkdirAll(s.stageDir, 0o755); err != nil {
			s.mu.Unlock()
			return sesserr.Wrap(sesserr.StorageUnavailable, err, "create content area")
		}
	}
	s.advanceLocked(StatePrepared)
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsActive.Inc()
		s.deps.Metrics.SessionsOpened.Inc()
	}
	s.publish(s.event(types.EventActive))
	s.publish(s.event(types.EventPrepared))
	return nil
}

// AddFile declares a file for a data-loader install. No bytes move; the
// loader supplies content later.
func (s *Session) AddFile(f types.DeclaredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutableLocked(); err != nil {
		return err
	}
	if s.params.DataLoader == nil {
		return sesserr.New(sesserr.InvalidState, "session %d is not a data-loader install", s.id)
	}
	if !validFileName(f.Name) {
		return sesserr.New(sesserr.InvalidState, "invalid file name %q", f.Name)
	}
	for _, d := range s.declared {
		if d.Name == f.Name && d.Removed == f.Removed {
			return sesserr.New(sesserr.InvalidState, "file %q already declared", f.Name)
		}
	}
	s.declared = append(s.declared, f)
	return nil
}

// RemoveFile records a typed removal marker consumed later by the
// installer. Valid only for data-loader installs inheriting an existing
// package.
func (s *Session) RemoveFile(location types.FileLocation, name string) error {
	if s.params.Mode != types.ModeInheritExisting {
		return sesserr.New(sesserr.InvalidState, "removals require inherit mode")
	}
	return s.AddFile(types.DeclaredFile{Location: location, Name: name, Removed: true})
}

// AddChecksums attaches externally supplied checksum records to a declared
// or written file.
func (s *Session) AddChecksums(name string, sums []types.Checksum) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutableLocked(); err != nil {
		return err
	}
	if len(s.checksums[name]) > 0 {
		return sesserr.New(sesserr.InvalidState, "checksums for %q already set", name)
	}
	s.checksums[name] = append(s.checksums[name], sums...)
	return nil
}

// SetPermissionsAccepted records explicit user confirmation, allowing a
// commit gated on FlagRequireUserAction to proceed when re-driven.
func (s *Session) SetPermissionsAccepted() {
	s.mu.Lock()
	s.permissionsAccepted = true
	s.mu.Unlock()
}

// checkMutableLocked rejects mutation once the session is sealed or gone.
func (s *Session) checkMutableLocked() *sesserr.Error {
	if s.destroyed {
		return sesserr.New(sesserr.InvalidState, "session %d is destroyed", s.id)
	}
	if s.state >= StateSealed {
		return sesserr.New(sesserr.InvalidState, "session %d is sealed", s.id)
	}
	return nil
}

func validFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// Seal freezes the file set. Idempotent: a second call updates the status
// target but performs no further work; validation runs exactly once during
// commit. A seal failure destroys the session and reports through target.
func (s *Session) Seal(target StatusTarget) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d is destroyed", s.id)
	}
	if target != nil {
		s.commitTarget = target
	}
	if s.state >= StateSealed {
		s.mu.Unlock()
		return nil
	}
	if n := len(s.transfers); n > 0 {
		s.mu.Unlock()
		err := sesserr.New(sesserr.InvalidState, "session %d has %d open transfers", s.id, n)
		s.finish(err)
		return err
	}
	if s.state < StatePrepared {
		// Sealing implies the content area exists even if the client
		// never wrote; Open is idempotent.
		s.mu.Unlock()
		if err := s.Open(); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.advanceLocked(StateSealed)
	s.mu.Unlock()

	s.publish(s.event(types.EventSealed))
	return nil
}

// Commit seals, validates, and hands the session off for installation.
// Non-staged sessions go straight to the installer on a background worker;
// staged sessions go to the staging coordinator; data-loader sessions first
// drive the loader handshake and continue once the image is ready.
func (s *Session) Commit(target StatusTarget) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d is destroyed", s.id)
	}
	s.commitTarget = target
	s.commitRequested = true
	needsUserAction := s.params.Flags&types.FlagRequireUserAction != 0 && !s.permissionsAccepted
	needsLoader := s.params.DataLoader != nil && !s.imageReady && !s.params.MultiPackage
	s.mu.Unlock()

	if needsUserAction {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCommit("pending_user_action")
		}
		s.deps.queue(func() { target.OnUserActionRequired(s.id) })
		return nil
	}

	if needsLoader {
		if s.deps.StartLoader == nil {
			err := sesserr.New(sesserr.MediaUnavailable, "no data loader available")
			s.finish(err)
			return err
		}
		if err := s.deps.StartLoader(s); err != nil {
			ferr := sesserr.Wrap(sesserr.MediaUnavailable, err, "bind data loader")
			s.finish(ferr)
			return ferr
		}
		// Continues in OnImageReady.
		return nil
	}

	return s.continueCommit(target)
}

// continueCommit runs once the file set is complete: explicit commit for
// ordinary sessions, loader image-ready for streaming ones.
func (s *Session) continueCommit(target StatusTarget) error {
	if err := s.Seal(target); err != nil {
		return err
	}

	if s.params.MultiPackage {
		return s.commitMultiPackage(target)
	}

	if err := s.validateAndCommit(); err != nil {
		s.finish(err)
		return err
	}

	if s.params.Staged {
		if s.deps.Staging == nil {
			err := sesserr.New(sesserr.InvalidState, "no staging coordinator configured")
			s.finish(err)
			return err
		}
		s.mu.Lock()
		s.relinquished = true
		s.mu.Unlock()
		s.deps.Staging.CommitStaged(s, target)
		return nil
	}

	s.dispatchInstall(target)
	return nil
}

// dispatchInstall runs the installer on the background queue and reports
// the terminal status.
func (s *Session) dispatchInstall(target StatusTarget) {
	s.mu.Lock()
	s.advanceLocked(StateInstalling)
	s.mu.Unlock()

	s.acquireActive()
	s.deps.queue(func() {
		defer s.releaseActive()
		if s.Destroyed() {
			return
		}
		req := s.InstallRequest()
		err := s.deps.Installer.InstallNonStaged(context.Background(), req)
		if err != nil {
			s.finish(sesserr.AsError(err))
			return
		}
		s.finish(nil)
	})
}

// InstallRequest builds the handoff record for the installer.
func (s *Session) InstallRequest() collab.InstallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := collab.InstallRequest{
		SessionID:     s.id,
		UserID:        s.userID,
		Params:        s.params,
		StageDir:      s.stageDir,
		DeclaredFiles: append([]types.DeclaredFile(nil), s.declared...),
	}
	if s.resolved != nil {
		req.PackageName = s.resolved.PackageName
		req.VersionCode = s.resolved.VersionCode
		req.SigningID = s.resolved.SigningID
		req.Files = append(append([]string(nil), s.resolved.StagedFiles...), s.resolved.InheritedFiles...)
	}
	return req
}

// TransferOwnership reassigns the session to another installer identity.
// Permitted only pre-commit; the destination must hold install authority
// and the session's declared package must equal the destination identity.
func (s *Session) TransferOwnership(newOwnerPkg string) error {
	if s.deps.Identity == nil {
		return sesserr.New(sesserr.InvalidState, "no identity resolver configured")
	}
	uid, err := s.deps.Identity.UIDForPackage(newOwnerPkg, s.userID)
	if err != nil {
		return sesserr.Wrap(sesserr.InvalidState, err, "resolve %q", newOwnerPkg)
	}
	if !s.deps.Identity.HasInstallAuthority(uid) {
		return sesserr.New(sesserr.InvalidState, "%q does not hold install authority", newOwnerPkg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.state >= StateCommitted {
		return sesserr.New(sesserr.InvalidState, "session %d cannot be transferred after commit", s.id)
	}
	if s.params.PackageName == "" || s.params.PackageName != newOwnerPkg {
		return sesserr.New(sesserr.InvalidState, "declared package %q does not match transfer target %q", s.params.PackageName, newOwnerPkg)
	}
	s.installerUIDCur = uid
	s.log.Info("session ownership transferred",
		zap.Int("session_id", s.id),
		zap.String("new_owner", newOwnerPkg),
		zap.Int("new_uid", uid),
	)
	return nil
}

// Abandon cancels the session. Non-staged sessions are destroyed at once.
// For a staged session with pre-reboot verification in flight, destruction
// is deferred into a single pending slot and runs exactly once after the
// verifier ends, so cleanup never races it.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.params.Staged && s.verifying {
		s.pendingAbandon = true
		s.mu.Unlock()
		s.log.Info("abandon deferred until verification ends", zap.Int("session_id", s.id))
		return
	}
	staged := s.params.Staged
	s.mu.Unlock()

	cause := sesserr.New(sesserr.Aborted, "session %d abandoned", s.id)
	if staged {
		// A staged outcome left pending would keep the content area and
		// record alive across reboots waiting for an apply that never comes.
		s.SetStagedFailed(cause.Code, cause.Msg)
	}
	s.finish(cause)
}

// Close handles the client dropping its end. A committed session stays
// alive while installation work is in flight; anything earlier is treated
// as abandonment.
func (s *Session) Close() {
	s.mu.Lock()
	committed := s.state >= StateCommitted
	if committed {
		s.relinquished = true
	}
	s.mu.Unlock()
	if !committed {
		s.Abandon()
	}
}

// finish reports the terminal status exactly once and tears the session
// down on failure. A nil cause means install success.
func (s *Session) finish(cause *sesserr.Error) {
	s.mu.Lock()
	if s.finalReported {
		s.mu.Unlock()
		if cause != nil {
			s.destroy(cause)
		}
		return
	}
	s.finalReported = true
	target := s.commitTarget
	s.mu.Unlock()

	if cause == nil {
		s.mu.Lock()
		if s.state == StateInstalling {
			s.advanceLocked(StateFinished)
		}
		s.mu.Unlock()
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCommit("success")
			s.deps.Metrics.SessionsActive.Dec()
		}
	} else {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCommit("failure")
		}
		s.destroy(cause)
	}

	if target != nil {
		s.deps.queue(func() { target.OnFinished(s.id, cause) })
	}
	s.publishFinished(cause)
}

// reportOnce marks the final status as delivered without reporting; used
// when a group aggregates child outcomes into one parent-level report.
func (s *Session) reportOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalReported {
		return false
	}
	s.finalReported = true
	return true
}

// destroy tears the session down: revokes open transfers so no descriptor
// outlives the session, and removes the content area unless a staged
// outcome is still pending (the post-reboot installer may need it).
func (s *Session) destroy(cause *sesserr.Error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	transfers := s.transfers
	s.transfers = nil
	keepDir := s.params.Staged && !s.stagedState.Terminal()
	if !keepDir && atomic.LoadInt32(&s.activeCount) > 0 {
		// Installer work still reads the content area; the last
		// releaseActive removes it.
		s.pendingCleanup = true
		keepDir = true
	}
	wasLive := s.state >= StatePrepared && s.state < StateFinished
	s.mu.Unlock()

	for _, t := range transfers {
		t.revoke()
	}
	if s.params.DataLoader != nil && s.deps.StopLoader != nil {
		s.deps.StopLoader(s.id)
	}
	if !keepDir && s.stageDir != "" {
		if err := os.RemoveAll(s.stageDir); err != nil {
			s.log.Warn("content area cleanup failed",
				zap.Int("session_id", s.id), zap.Error(err))
		}
	}
	if s.deps.Metrics != nil && wasLive {
		s.deps.Metrics.SessionsActive.Dec()
	}
	if cause != nil {
		s.log.Info("session destroyed",
			zap.Int("session_id", s.id),
			zap.String("code", cause.Code.String()),
			zap.String("reason", cause.Msg),
		)
	}
}

// destroyWithError is the group-failure path: mark reported (the group
// delivers one aggregate status) and tear down with the shared cause.
func (s *Session) destroyWithError(cause *sesserr.Error) {
	s.reportOnce()
	s.destroy(cause)
	s.publishFinished(cause)
}

// cleanupStageDir removes the content area once a staged outcome is
// terminal and the session itself is already destroyed.
func (s *Session) cleanupStageDir() {
	if s.stageDir == "" {
		return
	}
	if err := os.RemoveAll(s.stageDir); err != nil && !os.IsNotExist(err) {
		s.log.Warn("staged content cleanup failed",
			zap.Int("session_id", s.id), zap.Error(err))
	}
}

// stagePath resolves a file name inside the content area.
func (s *Session) stagePath(name string) string {
	return filepath.Join(s.stageDir, name)
}
