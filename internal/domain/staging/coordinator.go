package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/domain/registry"
	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/infrastructure/monitoring"
	"github.com/packagesmith/installd/internal/shared/id"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Coordinator orchestrates reboot-deferred installs: pre-reboot
// verification on a background queue, module activation handoff, and
// post-boot resumption of every restored staged session.
type Coordinator struct {
	registry   *registry.Registry
	activation collab.ModuleActivation
	rollback   collab.Rollback

	queue chan func()
	wg    sync.WaitGroup
	once  sync.Once

	log     *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a coordinator. Call Start before committing staged sessions.
func New(reg *registry.Registry, activation collab.ModuleActivation, rollback collab.Rollback, metrics *monitoring.Metrics, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		registry:   reg,
		activation: activation,
		rollback:   rollback,
		queue:      make(chan func(), 64),
		log:        logger.Named("staging"),
		metrics:    metrics,
	}
}

// Start launches the background verification workers.
func (c *Coordinator) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for fn := range c.queue {
				fn()
			}
		}()
	}
}

// Stop drains the queue and waits for workers to exit.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.queue) })
	c.wg.Wait()
}

// CommitStaged schedules pre-reboot verification on the background queue,
// never the caller's goroutine, so a slow activation round trip cannot
// stall the client's commit call. The session already holds its status
// target; reporting goes through the session's once-only path.
func (c *Coordinator) CommitStaged(s *session.Session, _ session.StatusTarget) {
	c.log.Info("staged session committed",
		zap.Int("session_id", s.ID()),
		zap.Bool("multi_package", s.Params().MultiPackage),
	)
	c.queue <- func() { c.verify(s) }
}

var _ session.StagedCommitter = (*Coordinator)(nil)

// verify runs pre-reboot verification: module activation submission,
// signature matching against active modules, best-effort rollback
// registration, then staged-ready plus activation mark-ready.
func (c *Coordinator) verify(s *session.Session) {
	start := time.Now()
	ckpt := id.NewCheckpointID()
	if !s.BeginVerification() {
		return
	}
	c.log.Info("verification started",
		zap.Int("session_id", s.ID()),
		zap.String("checkpoint", string(ckpt)),
	)
	defer func() {
		s.EndVerification()
		if c.metrics != nil {
			c.metrics.VerificationDuration.Observe(time.Since(start).Seconds())
		}
	}()

	group, err := c.groupSessions(s)
	if err != nil {
		c.failStaged(s, err)
		return
	}

	moduleChildIDs := c.moduleChildIDs(s, group)
	hasModules := s.ContainsModule() || len(moduleChildIDs) > 0

	if hasModules {
		// One atomic submission for the parent and every module-bearing
		// child; a submission failure fails the whole staged group.
		infos, serr := c.activation.Submit(context.Background(), s.ID(), moduleChildIDs)
		if serr != nil {
			c.failStaged(s, sesserr.Wrap(sesserr.ActivationFailed, serr, "module submission rejected"))
			return
		}
		// No partial trust: every returned signature must exactly match
		// the currently active module.
		for _, info := range infos {
			if info.ActiveSigningID != "" && info.SigningID != info.ActiveSigningID {
				c.failStaged(s, sesserr.New(sesserr.ActivationFailed,
					"module %q signature does not match active module", info.Name))
				return
			}
		}
	}

	if s.Params().Flags&types.FlagEnableRollback != 0 && c.rollback != nil {
		// Rollback is best effort, not a correctness gate.
		if rerr := c.rollback.NotifyStagedSession(s.ID()); rerr != nil {
			c.log.Warn("rollback registration failed",
				zap.Int("session_id", s.ID()), zap.Error(rerr))
		}
	}

	for _, member := range group {
		if serr := member.SetStagedReady(); serr != nil {
			c.failStaged(s, sesserr.AsError(serr))
			return
		}
		c.persist(member)
	}

	if hasModules {
		if merr := c.activation.MarkReady(context.Background(), s.ID()); merr != nil {
			c.failStaged(s, sesserr.Wrap(sesserr.ActivationFailed, merr, "mark ready"))
			return
		}
	}

	c.log.Info("staged session ready", zap.Int("session_id", s.ID()))
	s.ReportStagedReady()
}

// ResumeAll walks restored staged sessions after boot. Terminal sessions
// are no-ops; ready ones re-check activation; anything the framework
// restart interrupted re-verifies from scratch. A multi-package group is
// withheld until every declared child id has reappeared from persisted
// state rather than resumed partially.
func (c *Coordinator) ResumeAll() {
	for _, s := range c.registry.Staged() {
		if s.ParentID() != 0 {
			continue // resumed through its parent
		}
		if s.StagedState().Terminal() {
			continue
		}
		if !s.ChildrenRestored() {
			c.log.Warn("staged group incomplete, resumption withheld",
				zap.Int("session_id", s.ID()),
				zap.Ints("child_ids", s.ChildIDs()),
			)
			continue
		}
		sess := s
		if sess.StagedState() == types.StagedReady {
			c.queue <- func() { c.resumeReady(sess) }
		} else {
			c.queue <- func() { c.verify(sess) }
		}
	}
}

// resumeReady handles a session that passed verification before reboot:
// confirm module activation, then apply the APK half through the ordinary
// non-staged install path.
func (c *Coordinator) resumeReady(s *session.Session) {
	group, gerr := c.groupSessions(s)
	if gerr != nil {
		c.failStaged(s, gerr)
		return
	}

	hasModules := s.ContainsModule() || len(c.moduleChildIDs(s, group)) > 0
	if hasModules {
		status, err := c.activation.QueryStatus(context.Background(), s.ID())
		if err != nil {
			c.failStaged(s, sesserr.Wrap(sesserr.ActivationFailed, err, "query activation status"))
			return
		}
		switch status {
		case collab.ActivationFailed, collab.ActivationUnknown:
			c.failStaged(s, sesserr.New(sesserr.ActivationFailed,
				"module activation %s after reboot", status))
			return
		case collab.ActivationVerified:
			// Reboot interrupted mid-verification; verify again. The
			// activation service must tolerate the re-submission.
			c.log.Info("re-verifying staged session", zap.Int("session_id", s.ID()))
			c.verify(s)
			return
		case collab.ActivationActivated:
			// fall through to apply
		}
	}
	c.apply(s, group)
}

// apply drives the group's non-module packages through the normal
// immediate install path, one fresh non-staged session per package.
// Packages never share a session: a combined session would mix archive
// identities (which validation rejects) and collide same-named files.
// Members run sequentially so the first failure stops the group.
func (c *Coordinator) apply(s *session.Session, group []*session.Session) {
	var apkSessions []*session.Session
	for _, member := range group {
		if member.Params().MultiPackage {
			continue
		}
		if member.ContainsModule() {
			continue
		}
		if res := member.ResolvedInfo(); res != nil && len(res.StagedFiles)+len(res.InheritedFiles) > 0 {
			apkSessions = append(apkSessions, member)
		}
	}

	var next func(idx int)
	next = func(idx int) {
		if idx == len(apkSessions) {
			c.markApplied(s, group)
			return
		}
		c.applyOne(s, apkSessions[idx], func(ferr *sesserr.Error) {
			if ferr != nil {
				c.failStaged(s, ferr)
				return
			}
			next(idx + 1)
		})
	}
	next(0)
}

// applyOne repackages one member's files into a brand-new non-staged
// session and commits it, settling exactly once with the install outcome.
func (c *Coordinator) applyOne(parent, member *session.Session, settle func(*sesserr.Error)) {
	params := member.Params()
	params.Staged = false
	// Content is already local and the user consented before reboot.
	params.DataLoader = nil
	params.Flags &^= types.FlagRequireUserAction

	apkSess, err := c.registry.Open(params, member.UserID(), member.InstallerUID(), "")
	if err != nil {
		settle(sesserr.AsError(err))
		return
	}
	if oerr := apkSess.Open(); oerr != nil {
		settle(sesserr.AsError(oerr))
		return
	}
	if cerr := copySessionFiles(member, apkSess); cerr != nil {
		apkSess.Abandon()
		c.registry.Remove(apkSess.ID())
		settle(cerr)
		return
	}

	if c.rollback != nil {
		if rerr := c.rollback.NotifyStagedAPKSession(parent.ID(), apkSess.ID()); rerr != nil {
			c.log.Warn("rollback apk registration failed",
				zap.Int("session_id", parent.ID()), zap.Error(rerr))
		}
	}

	target := session.FuncTarget{
		Finished: func(_ int, ferr *sesserr.Error) { settle(ferr) },
	}
	// A synchronous commit failure still reports through target, so the
	// outcome settles exactly once either way.
	_ = apkSess.Commit(target)
}

func (c *Coordinator) markApplied(s *session.Session, group []*session.Session) {
	for _, member := range group {
		member.SetStagedApplied()
		c.persist(member)
	}
	c.log.Info("staged session applied", zap.Int("session_id", s.ID()))
}

// failStaged fails the whole group with one shared error and persists the
// terminal state. Destruction and the single failure report go through the
// session's own teardown path.
func (c *Coordinator) failStaged(s *session.Session, cause *sesserr.Error) {
	s.FailStagedGroup(cause)
	if group, gerr := c.groupSessions(s); gerr == nil {
		for _, member := range group {
			c.persist(member)
		}
	} else {
		c.persist(s)
	}
}

// groupSessions returns the session plus all resolved children.
func (c *Coordinator) groupSessions(s *session.Session) ([]*session.Session, *sesserr.Error) {
	group := []*session.Session{s}
	for _, cid := range s.ChildIDs() {
		child, ok := c.registry.Get(cid)
		if !ok {
			return nil, sesserr.New(sesserr.InvalidState, "staged child %d missing from registry", cid)
		}
		group = append(group, child)
	}
	return group, nil
}

// moduleChildIDs lists child ids whose validated content bundles a module.
func (c *Coordinator) moduleChildIDs(s *session.Session, group []*session.Session) []int {
	var ids []int
	for _, member := range group {
		if member.ID() != s.ID() && member.ContainsModule() {
			ids = append(ids, member.ID())
		}
	}
	return ids
}

func (c *Coordinator) persist(s *session.Session) {
	if err := c.registry.Persist(s); err != nil {
		c.log.Warn("staged state persist failed",
			zap.Int("session_id", s.ID()), zap.Error(err))
	}
}

// copySessionFiles streams every resolved file of src into dst's content
// area through ordinary write channels.
func copySessionFiles(src, dst *session.Session) *sesserr.Error {
	res := src.ResolvedInfo()
	if res == nil {
		return sesserr.New(sesserr.InvalidState, "session %d has no validated content", src.ID())
	}
	names := append(append([]string(nil), res.StagedFiles...), res.InheritedFiles...)
	for _, name := range names {
		path := filepath.Join(src.StageDir(), name)
		if err := copyIntoSession(dst, name, path); err != nil {
			return err
		}
	}
	return nil
}

func copyIntoSession(dst *session.Session, name, srcPath string) *sesserr.Error {
	in, err := os.Open(srcPath)
	if err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "open %q", srcPath)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "stat %q", srcPath)
	}
	if _, werr := dst.Write(name, 0, fi.Size(), in); werr != nil {
		return sesserr.AsError(fmt.Errorf("repackage %q: %w", name, werr))
	}
	return nil
}
