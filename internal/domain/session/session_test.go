package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

type mapValidator struct {
	results map[string]*collab.ParseResult
}

func (v mapValidator) ParseLite(path string) (*collab.ParseResult, error) {
	if r, ok := v.results[filepath.Base(path)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("unparseable archive %q", filepath.Base(path))
}

type countingInstaller struct {
	mu   sync.Mutex
	reqs []collab.InstallRequest
	err  error
}

func (c *countingInstaller) InstallNonStaged(_ context.Context, req collab.InstallRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *countingInstaller) InstallStaged(ctx context.Context, req collab.InstallRequest) error {
	return c.InstallNonStaged(ctx, req)
}

func (c *countingInstaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

type stubCatalog struct {
	pkg *collab.InstalledPackage
}

func (c stubCatalog) Existing(name string, _ int) (*collab.InstalledPackage, bool) {
	if c.pkg != nil && c.pkg.PackageName == name {
		return c.pkg, true
	}
	return nil, false
}

type stubIdentity struct {
	uids      map[string]int
	authority map[int]bool
}

func (i stubIdentity) UIDForPackage(name string, _ int) (int, error) {
	uid, ok := i.uids[name]
	if !ok {
		return 0, fmt.Errorf("unknown package %q", name)
	}
	return uid, nil
}

func (i stubIdentity) HasInstallAuthority(uid int) bool { return i.authority[uid] }

type tableResolver map[int]*Session

func (r tableResolver) Get(id int) (*Session, bool) {
	s, ok := r[id]
	return s, ok
}

func baseResult(pkg string, version int64) *collab.ParseResult {
	return &collab.ParseResult{PackageName: pkg, VersionCode: version, SigningID: "sig-a"}
}

func splitResult(pkg string, version int64, split string) *collab.ParseResult {
	r := baseResult(pkg, version)
	r.SplitName = split
	return r
}

type testEnv struct {
	installer *countingInstaller
	validator mapValidator
	deps      Deps
	nextID    int
	resolver  tableResolver
	dir       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		installer: &countingInstaller{},
		validator: mapValidator{results: map[string]*collab.ParseResult{
			"base.apk":        baseResult("com.example.app", 7),
			"split_extra.apk": splitResult("com.example.app", 7, "extra"),
		}},
		resolver: tableResolver{},
		nextID:   100,
		dir:      t.TempDir(),
	}
	e.deps = Deps{
		Validator: e.validator,
		Installer: e.installer,
	}
	return e
}

func (e *testEnv) open(t *testing.T, params types.SessionParams) *Session {
	t.Helper()
	e.nextID++
	stageDir := ""
	if !params.MultiPackage {
		stageDir = filepath.Join(e.dir, fmt.Sprintf("vmdl%d.tmp", e.nextID))
	}
	s := New(e.nextID, 0, 1000, "com.android.shell", params, stageDir, e.deps)
	s.SetResolver(e.resolver)
	e.resolver[s.ID()] = s
	require.NoError(t, s.Open())
	return s
}

func stageFile(t *testing.T, s *Session, name string) {
	t.Helper()
	content := []byte("payload:" + name)
	n, err := s.Write(name, 0, int64(len(content)), strings.NewReader(string(content)))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
}

type report struct {
	err *sesserr.Error
}

func commitWait(t *testing.T, s *Session) (*sesserr.Error, error) {
	t.Helper()
	done := make(chan report, 1)
	err := s.Commit(FuncTarget{
		Finished: func(_ int, ferr *sesserr.Error) { done <- report{err: ferr} },
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.err, nil
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final status")
		return nil, nil
	}
}

func TestSingleFileCommitSucceeds(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.Nil(t, ferr)

	assert.True(t, s.Sealed())
	assert.True(t, s.Committed())
	assert.False(t, s.Destroyed())
	assert.Equal(t, 1.0, s.Progress())
	require.Equal(t, 1, e.installer.count())
	req := e.installer.reqs[0]
	assert.Equal(t, "com.example.app", req.PackageName)
	assert.Equal(t, int64(7), req.VersionCode)
	assert.Equal(t, []string{"base.apk"}, req.Files)
}

func TestVersionMismatchDestroysSession(t *testing.T) {
	e := newTestEnv(t)
	e.validator.results["split_bad.apk"] = splitResult("com.example.app", 8, "bad")
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	stageFile(t, s, "split_bad.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)

	assert.True(t, s.Destroyed())
	// Sealing is observed monotonically even though the session is gone.
	assert.True(t, s.Sealed())
	assert.False(t, s.Committed())
	assert.Zero(t, e.installer.count())
}

func TestSigningMismatchDestroysSession(t *testing.T) {
	e := newTestEnv(t)
	other := splitResult("com.example.app", 7, "other")
	other.SigningID = "sig-b"
	e.validator.results["split_other.apk"] = other
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	stageFile(t, s, "split_other.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)
	assert.True(t, s.Destroyed())
}

func TestDuplicateSplitRejected(t *testing.T) {
	e := newTestEnv(t)
	e.validator.results["extra2.apk"] = splitResult("com.example.app", 7, "extra")
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	stageFile(t, s, "split_extra.apk")
	stageFile(t, s, "extra2.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)
}

func TestMissingBaseRejected(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "split_extra.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)
}

func TestRequiredSplitMissing(t *testing.T) {
	e := newTestEnv(t)
	needsSplit := baseResult("com.example.app", 7)
	needsSplit.Flags |= collab.FlagRequiredSplit
	e.validator.results["base.apk"] = needsSplit
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.MissingSplit, sesserr.AsError(err).Code)
}

func TestDeclaredPackageNameEnforced(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{PackageName: "com.example.other"})
	stageFile(t, s, "base.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)
}

func TestEmptySessionRejected(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InvalidState, sesserr.AsError(err).Code)
}

func TestWriteAfterSealRejected(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	require.NoError(t, s.Seal(nil))

	_, err := s.OpenWrite("late.apk", 0, 4)
	require.Error(t, err)
	assert.Equal(t, sesserr.InvalidState, sesserr.AsError(err).Code)
}

func TestSealIdempotent(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	require.NoError(t, s.Seal(nil))
	require.NoError(t, s.Seal(nil))
	assert.True(t, s.Sealed())

	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	assert.Nil(t, ferr)
}

func TestSealWithOpenTransferFails(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	tr, err := s.OpenWrite("base.apk", 0, 16)
	require.NoError(t, err)
	defer tr.Close()

	err = s.Seal(nil)
	require.Error(t, err)
	assert.Equal(t, sesserr.InvalidState, sesserr.AsError(err).Code)
	assert.True(t, s.Destroyed())
}

func TestInstallerFailureDestroys(t *testing.T) {
	e := newTestEnv(t)
	e.installer.err = errors.New("disk full")
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.NotNil(t, ferr)
	assert.Equal(t, sesserr.StorageUnavailable, ferr.Code)
	assert.True(t, s.Destroyed())
	assert.True(t, s.Committed(), "committed stays observed after teardown")
}

func TestUserActionGate(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{Flags: types.FlagRequireUserAction})
	stageFile(t, s, "base.apk")

	asked := make(chan int, 1)
	done := make(chan *sesserr.Error, 1)
	target := FuncTarget{
		Finished:   func(_ int, ferr *sesserr.Error) { done <- ferr },
		UserAction: func(id int) { asked <- id },
	}

	require.NoError(t, s.Commit(target))
	select {
	case id := <-asked:
		assert.Equal(t, s.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("user action prompt never arrived")
	}
	assert.False(t, s.Committed(), "commit must pause until the user confirms")

	s.SetPermissionsAccepted()
	require.NoError(t, s.Commit(target))
	select {
	case ferr := <-done:
		assert.Nil(t, ferr)
	case <-time.After(2 * time.Second):
		t.Fatal("final status never arrived")
	}
	assert.Equal(t, 1, e.installer.count())
}

func TestInheritExistingPullsUnoverriddenFiles(t *testing.T) {
	e := newTestEnv(t)
	srcDir := t.TempDir()
	basePath := filepath.Join(srcDir, "installed-base.apk")
	langPath := filepath.Join(srcDir, "installed-split-lang.apk")
	require.NoError(t, os.WriteFile(basePath, []byte("installed base"), 0o600))
	require.NoError(t, os.WriteFile(langPath, []byte("installed lang"), 0o600))

	e.deps.Catalog = stubCatalog{pkg: &collab.InstalledPackage{
		PackageName: "com.example.app",
		VersionCode: 6,
		SigningID:   "sig-a",
		BasePath:    basePath,
		SplitPaths:  map[string]string{"lang": langPath, "extra": langPath},
	}}
	s := e.open(t, types.SessionParams{Mode: types.ModeInheritExisting})
	stageFile(t, s, "split_extra.apk") // overrides the installed "extra"

	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.Nil(t, ferr)

	res := s.ResolvedInfo()
	require.NotNil(t, res)
	assert.Equal(t, []string{"split_extra.apk"}, res.StagedFiles)
	assert.ElementsMatch(t, []string{"base.apk", "split_lang.apk"}, res.InheritedFiles)
	assert.Equal(t, "base.apk", res.BaseFile)
	for _, name := range res.InheritedFiles {
		_, statErr := os.Stat(filepath.Join(s.StageDir(), name))
		assert.NoError(t, statErr)
	}
}

func TestInheritDowngradeNeedsFlag(t *testing.T) {
	e := newTestEnv(t)
	e.validator.results["base.apk"] = baseResult("com.example.app", 5)
	e.deps.Catalog = stubCatalog{pkg: &collab.InstalledPackage{
		PackageName: "com.example.app",
		VersionCode: 7,
		SigningID:   "sig-a",
	}}

	s := e.open(t, types.SessionParams{Mode: types.ModeInheritExisting})
	stageFile(t, s, "base.apk")
	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)

	s2 := e.open(t, types.SessionParams{
		Mode:  types.ModeInheritExisting,
		Flags: types.FlagAllowDowngrade,
	})
	stageFile(t, s2, "base.apk")
	ferr, err := commitWait(t, s2)
	require.NoError(t, err)
	assert.Nil(t, ferr)
}

func TestInheritSigningMismatchRejected(t *testing.T) {
	e := newTestEnv(t)
	e.deps.Catalog = stubCatalog{pkg: &collab.InstalledPackage{
		PackageName: "com.example.app",
		VersionCode: 6,
		SigningID:   "sig-z",
	}}
	s := e.open(t, types.SessionParams{Mode: types.ModeInheritExisting})
	stageFile(t, s, "base.apk")

	_, err := commitWait(t, s)
	require.Error(t, err)
	assert.Equal(t, sesserr.InconsistentPackage, sesserr.AsError(err).Code)
}

func TestTransferOwnership(t *testing.T) {
	e := newTestEnv(t)
	e.deps.Identity = stubIdentity{
		uids:      map[string]int{"com.example.app": 2000, "com.other.store": 3000},
		authority: map[int]bool{2000: true},
	}

	s := e.open(t, types.SessionParams{PackageName: "com.example.app"})
	require.NoError(t, s.TransferOwnership("com.example.app"))
	assert.Equal(t, 2000, s.InstallerUID())

	// No install authority.
	err := s.TransferOwnership("com.other.store")
	require.Error(t, err)

	// Declared package must match the destination identity.
	s2 := e.open(t, types.SessionParams{PackageName: "com.other.store"})
	err = s2.TransferOwnership("com.example.app")
	require.Error(t, err)

	// Post-commit transfers are rejected.
	s3 := e.open(t, types.SessionParams{PackageName: "com.example.app"})
	stageFile(t, s3, "base.apk")
	ferr, cerr := commitWait(t, s3)
	require.NoError(t, cerr)
	require.Nil(t, ferr)
	err = s3.TransferOwnership("com.example.app")
	require.Error(t, err)
	assert.Equal(t, sesserr.InvalidState, sesserr.AsError(err).Code)
}

func TestAbandonDestroysAndReportsOnce(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	s.Abandon()
	assert.True(t, s.Destroyed())
	_, statErr := os.Stat(s.StageDir())
	assert.True(t, os.IsNotExist(statErr), "content area is removed on abandon")

	// Idempotent.
	s.Abandon()
	assert.True(t, s.Destroyed())
}

func TestAbandonStagedFailsStagedOutcome(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{Staged: true})
	stageFile(t, s, "base.apk")

	s.Abandon()
	assert.True(t, s.Destroyed())
	assert.Equal(t, types.StagedFailed, s.StagedState())
	code, _ := s.StagedError()
	assert.Equal(t, sesserr.Aborted, code)
	// Terminal outcome means the content area has no post-reboot consumer.
	_, statErr := os.Stat(s.StageDir())
	assert.True(t, os.IsNotExist(statErr))
}

func TestAbandonDeferredDuringVerification(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{Staged: true})
	stageFile(t, s, "base.apk")

	require.True(t, s.BeginVerification())
	s.Abandon()
	assert.False(t, s.Destroyed(), "abandon must wait for the verifier")

	s.EndVerification()
	assert.True(t, s.Destroyed())
	assert.Equal(t, types.StagedFailed, s.StagedState())
}

type gatedInstaller struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInstaller) InstallNonStaged(_ context.Context, _ collab.InstallRequest) error {
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func (g *gatedInstaller) InstallStaged(ctx context.Context, req collab.InstallRequest) error {
	return g.InstallNonStaged(ctx, req)
}

func TestAbandonDuringInstallDefersContentCleanup(t *testing.T) {
	e := newTestEnv(t)
	gate := &gatedInstaller{entered: make(chan struct{}), release: make(chan struct{})}
	e.deps.Installer = gate
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")

	done := make(chan *sesserr.Error, 1)
	require.NoError(t, s.Commit(FuncTarget{
		Finished: func(_ int, ferr *sesserr.Error) { done <- ferr },
	}))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("installer never started")
	}

	s.Abandon()
	assert.True(t, s.Destroyed())
	_, statErr := os.Stat(s.StageDir())
	assert.NoError(t, statErr, "installer still reads the content area")

	close(gate.release)
	require.Eventually(t, func() bool {
		_, err := os.Stat(s.StageDir())
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case ferr := <-done:
		require.NotNil(t, ferr)
		assert.Equal(t, sesserr.Aborted, ferr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("final status never arrived")
	}
}

func TestCloseBeforeCommitAbandons(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	s.Close()
	assert.True(t, s.Destroyed())
}

func TestCloseAfterCommitKeepsSessionAlive(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.Nil(t, ferr)

	s.Close()
	assert.False(t, s.Destroyed())
}

func TestClientProgressClampedAndWeighted(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})

	s.SetClientProgress(-3)
	assert.GreaterOrEqual(t, s.Progress(), 0.0)

	s.SetClientProgress(0.5)
	p := s.Progress()
	assert.InDelta(t, 0.4, p, 0.001, "client half counts at its 0.8 weight")

	s.SetClientProgress(42)
	assert.LessOrEqual(t, s.Progress(), 1.0)
}

func TestProgressSnapsToOneOnCommit(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	s.SetClientProgress(0.2)

	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.Nil(t, ferr)
	assert.Equal(t, 1.0, s.Progress())
}

func TestInfoScrubsCallerSensitiveFields(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, types.SessionParams{
		PackageName:    "com.example.app",
		OriginatingURI: "https://store.example.com/app",
		ReferrerURI:    "https://ref.example.com",
	})

	owner := s.Info(true, s.InstallerUID())
	assert.Equal(t, "https://store.example.com/app", owner.Params.OriginatingURI)

	other := s.Info(true, 9999)
	assert.Empty(t, other.Params.OriginatingURI)
	assert.Empty(t, other.Params.ReferrerURI)
	assert.Equal(t, "com.example.app", other.Params.PackageName)
}

func TestEventStreamSeesLifecycle(t *testing.T) {
	e := newTestEnv(t)
	notifier := NewNotifier()
	e.deps.Events = notifier
	sub, cancel := notifier.Subscribe(16)
	defer cancel()

	s := e.open(t, types.SessionParams{})
	stageFile(t, s, "base.apk")
	ferr, err := commitWait(t, s)
	require.NoError(t, err)
	require.Nil(t, ferr)

	var kinds []types.EventKind
	deadline := time.After(2 * time.Second)
	for len(kinds) == 0 || kinds[len(kinds)-1] != types.EventFinished {
		select {
		case ev := <-sub:
			if ev.SessionID == s.ID() {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("finished event never arrived, saw %v", kinds)
		}
	}
	assert.Contains(t, kinds, types.EventSealed)
	assert.Contains(t, kinds, types.EventFinished)
}
