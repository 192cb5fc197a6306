package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/domain/registry"
	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

type stubValidator struct{}

func (stubValidator) ParseLite(path string) (*collab.ParseResult, error) {
	name := filepath.Base(path)
	res := &collab.ParseResult{
		PackageName: "com.example.app",
		VersionCode: 7,
		SigningID:   "sig-a",
	}
	if strings.HasPrefix(name, "module") {
		res.PackageName = "com.example.module"
		res.Flags |= collab.FlagModule
	}
	return res, nil
}

type recordingInstaller struct {
	mu   sync.Mutex
	reqs []collab.InstallRequest
}

func (r *recordingInstaller) InstallNonStaged(_ context.Context, req collab.InstallRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recordingInstaller) InstallStaged(_ context.Context, req collab.InstallRequest) error {
	return r.InstallNonStaged(context.Background(), req)
}

func (r *recordingInstaller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

type fakeActivation struct {
	mu         sync.Mutex
	submits    int
	markReadys int
	queries    int

	infos     []collab.ModuleInfo
	submitErr error
	readyErr  error
	status    collab.ActivationStatus
	statusErr error
}

func (f *fakeActivation) Submit(_ context.Context, _ int, _ []int) ([]collab.ModuleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.infos, f.submitErr
}

func (f *fakeActivation) MarkReady(_ context.Context, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadys++
	return f.readyErr
}

func (f *fakeActivation) QueryStatus(_ context.Context, _ int) (collab.ActivationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.status, f.statusErr
}

func (f *fakeActivation) calls() (submits, readys, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.markReadys, f.queries
}

type fakeRollback struct {
	mu        sync.Mutex
	staged    []int
	apk       [][2]int
	notifyErr error
}

func (f *fakeRollback) NotifyStagedSession(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, id)
	return f.notifyErr
}

func (f *fakeRollback) NotifyStagedAPKSession(parentID, apkID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apk = append(f.apk, [2]int{parentID, apkID})
	return nil
}

type env struct {
	reg        *registry.Registry
	coord      *Coordinator
	installer  *recordingInstaller
	activation *fakeActivation
	rollback   *fakeRollback
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithValidator(t, stubValidator{})
}

func newEnvWithValidator(t *testing.T, validator collab.ArchiveValidator) *env {
	t.Helper()
	installer := &recordingInstaller{}
	activation := &fakeActivation{status: collab.ActivationActivated}
	rollback := &fakeRollback{}

	deps := session.Deps{
		Validator: validator,
		Installer: installer,
	}
	reg := registry.New(registry.Config{StageRoot: t.TempDir()}, deps, nil)
	coord := New(reg, activation, rollback, nil, nil)
	reg.SetStagedCommitter(coord)
	coord.Start(1)
	t.Cleanup(coord.Stop)

	return &env{reg: reg, coord: coord, installer: installer, activation: activation, rollback: rollback}
}

func (e *env) openStaged(t *testing.T, fileName string, flags types.InstallFlags) *session.Session {
	t.Helper()
	s, err := e.reg.Open(types.SessionParams{Staged: true, Flags: flags}, 0, 1000, "")
	require.NoError(t, err)
	require.NoError(t, s.Open())
	require.NoError(t, os.WriteFile(filepath.Join(s.StageDir(), fileName), []byte("payload"), 0o600))
	return s
}

func commitAndWait(t *testing.T, s *session.Session) *sesserr.Error {
	t.Helper()
	done := make(chan *sesserr.Error, 1)
	err := s.Commit(session.FuncTarget{
		Finished: func(_ int, ferr *sesserr.Error) { done <- ferr },
	})
	require.NoError(t, err)
	select {
	case ferr := <-done:
		return ferr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final status")
		return nil
	}
}

func TestStagedCommitBecomesReady(t *testing.T) {
	e := newEnv(t)
	e.activation.infos = []collab.ModuleInfo{
		{Name: "com.example.module", SigningID: "sig-a", ActiveSigningID: "sig-a"},
	}
	s := e.openStaged(t, "module.apex", 0)

	ferr := commitAndWait(t, s)
	require.Nil(t, ferr)

	assert.Equal(t, types.StagedReady, s.StagedState())
	assert.False(t, s.Destroyed())
	submits, readys, _ := e.activation.calls()
	assert.Equal(t, 1, submits)
	assert.Equal(t, 1, readys)
	assert.Zero(t, e.installer.count(), "nothing installs before reboot")
}

func TestStagedPureAPKSkipsActivation(t *testing.T) {
	e := newEnv(t)
	s := e.openStaged(t, "base.apk", 0)

	ferr := commitAndWait(t, s)
	require.Nil(t, ferr)

	assert.Equal(t, types.StagedReady, s.StagedState())
	submits, readys, _ := e.activation.calls()
	assert.Zero(t, submits)
	assert.Zero(t, readys)
}

func TestStagedSignatureMismatchFailsGroup(t *testing.T) {
	e := newEnv(t)
	e.activation.infos = []collab.ModuleInfo{
		{Name: "com.example.module", SigningID: "sig-a", ActiveSigningID: "sig-other"},
	}
	s := e.openStaged(t, "module.apex", 0)

	ferr := commitAndWait(t, s)
	require.NotNil(t, ferr)
	assert.Equal(t, sesserr.ActivationFailed, ferr.Code)

	assert.Equal(t, types.StagedFailed, s.StagedState())
	assert.True(t, s.Destroyed())
	code, msg := s.StagedError()
	assert.Equal(t, sesserr.ActivationFailed, code)
	assert.Contains(t, msg, "signature")
	_, readys, _ := e.activation.calls()
	assert.Zero(t, readys, "mismatch must not be marked ready")
}

func TestStagedSubmitRejectionFails(t *testing.T) {
	e := newEnv(t)
	e.activation.submitErr = errors.New("activation service refused")
	s := e.openStaged(t, "module.apex", 0)

	ferr := commitAndWait(t, s)
	require.NotNil(t, ferr)
	assert.Equal(t, sesserr.ActivationFailed, ferr.Code)
	assert.Equal(t, types.StagedFailed, s.StagedState())
}

func TestRollbackFailureIsBestEffort(t *testing.T) {
	e := newEnv(t)
	e.rollback.notifyErr = errors.New("rollback store offline")
	s := e.openStaged(t, "base.apk", types.FlagEnableRollback)

	ferr := commitAndWait(t, s)
	require.Nil(t, ferr)

	assert.Equal(t, types.StagedReady, s.StagedState())
	assert.Equal(t, []int{s.ID()}, e.rollback.staged)
}

func TestResumeReadyAppliesAPKThroughNormalInstall(t *testing.T) {
	e := newEnv(t)
	s := e.openStaged(t, "base.apk", 0)
	require.Nil(t, commitAndWait(t, s))
	require.Equal(t, types.StagedReady, s.StagedState())

	e.coord.ResumeAll()

	require.Eventually(t, func() bool {
		return s.StagedState() == types.StagedApplied
	}, 3*time.Second, 10*time.Millisecond)

	// The APK half went through the ordinary install path in a fresh
	// non-staged session.
	require.Equal(t, 1, e.installer.count())
	req := e.installer.reqs[0]
	assert.NotEqual(t, s.ID(), req.SessionID)
	assert.False(t, req.Params.Staged)
	assert.Equal(t, "com.example.app", req.PackageName)
	assert.Equal(t, [][2]int{{s.ID(), req.SessionID}}, e.rollback.apk)
}

func TestResumeModuleActivatedNeedsNoReinstall(t *testing.T) {
	e := newEnv(t)
	e.activation.infos = []collab.ModuleInfo{
		{Name: "com.example.module", SigningID: "sig-a", ActiveSigningID: ""},
	}
	s := e.openStaged(t, "module.apex", 0)
	require.Nil(t, commitAndWait(t, s))

	e.coord.ResumeAll()

	require.Eventually(t, func() bool {
		return s.StagedState() == types.StagedApplied
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.installer.count(), "module content is the activation service's job")
}

func TestResumeActivationFailureFailsSession(t *testing.T) {
	e := newEnv(t)
	e.activation.infos = []collab.ModuleInfo{
		{Name: "com.example.module", SigningID: "sig-a"},
	}
	s := e.openStaged(t, "module.apex", 0)
	require.Nil(t, commitAndWait(t, s))

	e.activation.mu.Lock()
	e.activation.status = collab.ActivationFailed
	e.activation.mu.Unlock()
	e.coord.ResumeAll()

	require.Eventually(t, func() bool {
		return s.StagedState() == types.StagedFailed
	}, 3*time.Second, 10*time.Millisecond)
	code, _ := s.StagedError()
	assert.Equal(t, sesserr.ActivationFailed, code)
}

func TestResumeTerminalSessionIsNoOp(t *testing.T) {
	e := newEnv(t)
	s := e.openStaged(t, "base.apk", 0)
	require.Nil(t, commitAndWait(t, s))
	e.coord.ResumeAll()
	require.Eventually(t, func() bool {
		return s.StagedState() == types.StagedApplied
	}, 3*time.Second, 10*time.Millisecond)
	installed := e.installer.count()

	// A second resume pass observes the terminal outcome and does nothing.
	e.coord.ResumeAll()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, installed, e.installer.count())
	assert.Equal(t, types.StagedApplied, s.StagedState())
}

// pathValidator derives the package identity from the file name stem, so a
// group can stage several distinct packages.
type pathValidator struct{}

func (pathValidator) ParseLite(path string) (*collab.ParseResult, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &collab.ParseResult{
		PackageName: "com.example." + stem,
		VersionCode: 1,
		SigningID:   "sig-a",
	}, nil
}

func TestResumeAppliesEachGroupPackageSeparately(t *testing.T) {
	e := newEnvWithValidator(t, pathValidator{})

	parent, err := e.reg.Open(types.SessionParams{Staged: true, MultiPackage: true}, 0, 1000, "")
	require.NoError(t, err)
	require.NoError(t, parent.Open())
	alpha := e.openStaged(t, "alpha.apk", 0)
	beta := e.openStaged(t, "beta.apk", 0)
	require.NoError(t, parent.AddChild(alpha))
	require.NoError(t, parent.AddChild(beta))

	require.Nil(t, commitAndWait(t, parent))
	require.Equal(t, types.StagedReady, parent.StagedState())

	e.coord.ResumeAll()
	require.Eventually(t, func() bool {
		return parent.StagedState() == types.StagedApplied
	}, 3*time.Second, 10*time.Millisecond)

	// Each child package went through its own fresh non-staged session;
	// a shared session would mix identities and collide file names.
	require.Equal(t, 2, e.installer.count())
	pkgs := []string{e.installer.reqs[0].PackageName, e.installer.reqs[1].PackageName}
	assert.ElementsMatch(t, []string{"com.example.alpha", "com.example.beta"}, pkgs)
	assert.NotEqual(t, e.installer.reqs[0].SessionID, e.installer.reqs[1].SessionID)
	assert.Equal(t, types.StagedApplied, alpha.StagedState())
	assert.Equal(t, types.StagedApplied, beta.StagedState())
}

func TestResumeVerifiedResubmitsVerification(t *testing.T) {
	e := newEnv(t)
	e.activation.infos = []collab.ModuleInfo{
		{Name: "com.example.module", SigningID: "sig-a", ActiveSigningID: "sig-a"},
	}
	s := e.openStaged(t, "module.apex", 0)
	require.Nil(t, commitAndWait(t, s))
	require.Equal(t, types.StagedReady, s.StagedState())

	// Activation stuck at verified means the reboot interrupted the
	// handshake; resumption must run the full verification round again.
	e.activation.mu.Lock()
	e.activation.status = collab.ActivationVerified
	e.activation.mu.Unlock()
	e.coord.ResumeAll()

	require.Eventually(t, func() bool {
		submits, _, _ := e.activation.calls()
		return submits == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StagedReady, s.StagedState())
	_, readys, queries := e.activation.calls()
	assert.Equal(t, 2, readys)
	assert.Equal(t, 1, queries)
	assert.Zero(t, e.installer.count())
}

func TestResumeWithheldUntilChildrenRestored(t *testing.T) {
	dir := t.TempDir()
	store, err := registry.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	installer := &recordingInstaller{}
	activation := &fakeActivation{}
	deps := session.Deps{Validator: stubValidator{}, Installer: installer}
	reg := registry.New(registry.Config{StageRoot: dir, Store: store}, deps, nil)

	parent, err := reg.Open(types.SessionParams{Staged: true, MultiPackage: true}, 0, 1000, "")
	require.NoError(t, err)
	rec := parent.Snapshot()
	rec.ChildIDs = []int{parent.ID() + 1} // never persisted
	require.NoError(t, store.Write(rec))

	restored := registry.New(registry.Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())
	coord := New(restored, activation, &fakeRollback{}, nil, nil)
	restored.SetStagedCommitter(coord)
	coord.Start(1)
	defer coord.Stop()

	coord.ResumeAll()
	time.Sleep(50 * time.Millisecond)

	got, ok := restored.Get(parent.ID())
	require.True(t, ok)
	assert.Equal(t, types.StagedPending, got.StagedState())
	submits, _, queries := activation.calls()
	assert.Zero(t, submits)
	assert.Zero(t, queries)
}
