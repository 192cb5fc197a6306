package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/shared/types"
)

func newTestRegistry(t *testing.T, maxPerUID int) (*Registry, *FileStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	reg := New(Config{
		StageRoot: dir,
		MaxPerUID: maxPerUID,
		Store:     store,
	}, session.Deps{}, nil)
	return reg, store
}

func TestOpenAssignsUniqueIDsAndStageDirs(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)

	a, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	b, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.StageDir(), b.StageDir())
	assert.Contains(t, a.StageDir(), "vmdl")

	got, ok := reg.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestMultiPackageParentHasNoStageDir(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	parent, err := reg.Open(types.SessionParams{MultiPackage: true}, 0, 1000, "")
	require.NoError(t, err)
	assert.Empty(t, parent.StageDir())
}

func TestPerUIDQuota(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)

	_, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	second, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)

	_, err = reg.Open(types.SessionParams{}, 0, 1000, "")
	require.Error(t, err, "third session exceeds the per-uid quota")

	// Another uid is unaffected.
	_, err = reg.Open(types.SessionParams{}, 0, 2000, "")
	require.NoError(t, err)

	// Removing one frees a slot.
	reg.Remove(second.ID())
	_, err = reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
}

type staticIdentity struct {
	uids      map[string]int
	authority map[int]bool
}

func (i staticIdentity) UIDForPackage(name string, _ int) (int, error) {
	uid, ok := i.uids[name]
	if !ok {
		return 0, fmt.Errorf("unknown package %q", name)
	}
	return uid, nil
}

func (i staticIdentity) HasInstallAuthority(uid int) bool { return i.authority[uid] }

func TestQuotaCreditsOriginalUIDAfterTransfer(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{Identity: staticIdentity{
		uids:      map[string]int{"com.example.store": 2000},
		authority: map[int]bool{2000: true},
	}}
	reg := New(Config{StageRoot: dir, MaxPerUID: 2, Store: store}, deps, nil)

	// The slot stays charged to the opener even after the session moves
	// to another installer identity.
	s, err := reg.Open(types.SessionParams{PackageName: "com.example.store"}, 0, 1000, "")
	require.NoError(t, err)
	require.NoError(t, s.TransferOwnership("com.example.store"))
	require.Equal(t, 2000, s.InstallerUID())
	reg.Remove(s.ID())

	// Removal credited uid 1000, so its full quota is available again.
	_, err = reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	_, err = reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
}

func TestRestoreRoundTripsSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{}

	reg := New(Config{StageRoot: dir, Store: store}, deps, nil)
	s, err := reg.Open(types.SessionParams{
		Staged:      true,
		PackageName: "com.example.app",
	}, 0, 1000, "com.android.shell")
	require.NoError(t, err)
	require.NoError(t, s.Open())
	require.NoError(t, reg.Persist(s))

	restored := New(Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())

	got, ok := restored.Get(s.ID())
	require.True(t, ok)
	assert.Equal(t, s.StageDir(), got.StageDir())
	assert.Equal(t, "com.example.app", got.Params().PackageName)
	assert.True(t, got.Params().Staged)
	assert.Equal(t, 1000, got.InstallerUID())
}

func TestRestoreResolvesParentChildLinks(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{}

	reg := New(Config{StageRoot: dir, Store: store}, deps, nil)
	parent, err := reg.Open(types.SessionParams{MultiPackage: true, Staged: true}, 0, 1000, "")
	require.NoError(t, err)
	child, err := reg.Open(types.SessionParams{Staged: true}, 0, 1000, "")
	require.NoError(t, err)
	require.NoError(t, parent.AddChild(child))
	require.NoError(t, reg.Persist(parent))
	require.NoError(t, reg.Persist(child))

	restored := New(Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())

	gotParent, ok := restored.Get(parent.ID())
	require.True(t, ok)
	gotChild, ok := restored.Get(child.ID())
	require.True(t, ok)

	assert.Equal(t, []int{child.ID()}, gotParent.ChildIDs())
	assert.Equal(t, parent.ID(), gotChild.ParentID())
	assert.True(t, gotParent.ChildrenRestored())
}

func TestRestoreDropsTerminalRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{}

	reg := New(Config{StageRoot: dir, Store: store}, deps, nil)
	s, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	s.Abandon()
	require.NoError(t, reg.Persist(s))

	restored := New(Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())
	assert.Zero(t, restored.Count())

	// The stale record is gone from disk too.
	recs, err := store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRestoreKeepsDestroyedStagedPendingSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{}

	reg := New(Config{StageRoot: dir, Store: store}, deps, nil)
	s, err := reg.Open(types.SessionParams{Staged: true}, 0, 1000, "")
	require.NoError(t, err)
	// A crash between destruction and the staged outcome leaves a
	// destroyed record with the outcome still pending; it must survive
	// restart for boot-time resumption.
	rec := s.Snapshot()
	rec.Destroyed = true
	require.NoError(t, store.Write(rec))

	restored := New(Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())
	_, ok := restored.Get(s.ID())
	assert.True(t, ok)
}

func TestRestoreDropsAbandonedStagedSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	deps := session.Deps{}

	reg := New(Config{StageRoot: dir, Store: store}, deps, nil)
	s, err := reg.Open(types.SessionParams{Staged: true}, 0, 1000, "")
	require.NoError(t, err)
	// Abandon settles the staged outcome, so nothing waits for reboot.
	s.Abandon()
	require.NoError(t, reg.Persist(s))

	restored := New(Config{StageRoot: dir, Store: store}, deps, nil)
	require.NoError(t, restored.Restore())
	_, ok := restored.Get(s.ID())
	assert.False(t, ok)
	recs, err := store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStagedListsOnlyStagedSessions(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	_, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	staged, err := reg.Open(types.SessionParams{Staged: true}, 0, 1000, "")
	require.NoError(t, err)

	got := reg.Staged()
	require.Len(t, got, 1)
	assert.Equal(t, staged.ID(), got[0].ID())
}

func TestReadAllSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	store, err := NewFileStore(stateDir)
	require.NoError(t, err)

	reg := New(Config{StageRoot: dir, Store: store}, session.Deps{}, nil)
	s, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "999.session.zst"), []byte("not zstd"), 0o600))

	recs, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, s.ID(), recs[0].ID)
}

func TestRemoveDeletesRecord(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	store, err := NewFileStore(stateDir)
	require.NoError(t, err)

	reg := New(Config{StageRoot: dir, Store: store}, session.Deps{}, nil)
	s, err := reg.Open(types.SessionParams{}, 0, 1000, "")
	require.NoError(t, err)
	require.NoError(t, reg.Persist(s))

	reg.Remove(s.ID())
	_, ok := reg.Get(s.ID())
	assert.False(t, ok)
	_, statErr := os.Stat(store.recordPath(s.ID()))
	assert.True(t, os.IsNotExist(statErr))
}
