package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/shared/sesserr"
)

// commitMultiPackage drives an atomic group commit: seal all children under
// one combined target, validate every child before any of them installs,
// and on any single failure destroy the whole group, reporting the first
// encountered error exactly once at the parent level.
func (s *Session) commitMultiPackage(target StatusTarget) error {
	children, rerr := s.resolveChildren()
	if rerr != nil {
		s.finish(rerr)
		return rerr
	}
	if len(children) == 0 {
		err := sesserr.New(sesserr.InvalidState, "multi-package session %d has no children", s.id)
		s.finish(err)
		return err
	}

	// Seal fan-out. A child's own terminal status routes into the group
	// aggregate rather than straight to the caller.
	groupTarget := groupChildTarget{parent: s}
	for _, child := range children {
		if err := child.Seal(groupTarget); err != nil {
			return s.failGroup(children, sesserr.AsError(err))
		}
	}

	// All-or-nothing validation: every child validates before any
	// installs. The first failure wins; later ones are suppressed.
	var firstErr *sesserr.Error
	for _, child := range children {
		if err := child.validateAndCommit(); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		return s.failGroup(children, firstErr)
	}

	if err := s.validateAndCommit(); err != nil {
		return s.failGroup(children, err)
	}

	if s.params.Staged {
		if s.deps.Staging == nil {
			err := sesserr.New(sesserr.InvalidState, "no staging coordinator configured")
			return s.failGroup(children, err)
		}
		s.mu.Lock()
		s.relinquished = true
		s.mu.Unlock()
		s.deps.Staging.CommitStaged(s, target)
		return nil
	}

	s.dispatchGroupInstall(children, target)
	return nil
}

// failGroup destroys every child and the parent with the same error and
// reports it once through the parent's target.
func (s *Session) failGroup(children []*Session, cause *sesserr.Error) error {
	s.log.Warn("multi-package group failed",
		zap.Int("parent_id", s.id),
		zap.String("code", cause.Code.String()),
		zap.String("reason", cause.Msg),
	)
	for _, child := range children {
		child.destroyWithError(cause)
	}
	s.finish(cause)
	return cause
}

// dispatchGroupInstall installs all children then the parent record on the
// background queue. Children run sequentially so the first failure stops
// the group before later siblings touch the system.
func (s *Session) dispatchGroupInstall(children []*Session, target StatusTarget) {
	s.mu.Lock()
	s.advanceLocked(StateInstalling)
	s.mu.Unlock()

	s.deps.queue(func() {
		for _, child := range children {
			child.mu.Lock()
			child.advanceLocked(StateInstalling)
			child.mu.Unlock()

			child.acquireActive()
			req := child.InstallRequest()
			err := s.deps.Installer.InstallNonStaged(context.Background(), req)
			child.releaseActive()
			if err != nil {
				s.failGroup(children, sesserr.AsError(err))
				return
			}
			child.mu.Lock()
			child.advanceLocked(StateFinished)
			child.mu.Unlock()
			child.publishFinished(nil)
		}
		s.finish(nil)
	})
}

// groupChildTarget aggregates a child's terminal status into its parent's
// report. Group semantics deliver exactly one aggregate status, so child
// successes are absorbed and a child failure fails the whole group.
type groupChildTarget struct {
	parent *Session
}

func (t groupChildTarget) OnFinished(sessionID int, err *sesserr.Error) {
	if err == nil {
		return
	}
	children, rerr := t.parent.resolveChildren()
	if rerr != nil {
		t.parent.finish(err)
		return
	}
	t.parent.failGroup(children, err)
}

func (t groupChildTarget) OnUserActionRequired(sessionID int) {
	t.parent.mu.Lock()
	target := t.parent.commitTarget
	t.parent.mu.Unlock()
	if target != nil {
		target.OnUserActionRequired(t.parent.id)
	}
}
