package session

import (
	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Staged sub-state is monotonic: pending -> ready -> applied|failed, and
// pending -> failed. Once applied or failed nothing moves again, even
// across reboots; a second resume attempt observes the same outcome.

// StagedState returns the staged sub-state.
func (s *Session) StagedState() types.StagedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedState
}

// StagedError returns the staged failure code and message, if any.
func (s *Session) StagedError() (sesserr.Code, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedErrCode, s.stagedErrMsg
}

// SetStagedReady marks pre-reboot verification as passed.
func (s *Session) SetStagedReady() error {
	s.mu.Lock()
	if s.stagedState.Terminal() {
		s.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "staged session %d already %s", s.id, s.stagedState)
	}
	if s.stagedState == types.StagedReady {
		s.mu.Unlock()
		return nil
	}
	s.stagedState = types.StagedReady
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsStaged.Inc()
	}
	s.publishStaged(types.StagedReady, "")
	return nil
}

// SetStagedApplied marks the post-reboot apply as complete. Terminal.
func (s *Session) SetStagedApplied() {
	s.mu.Lock()
	if s.stagedState.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stagedState = types.StagedApplied
	destroyed := s.destroyed
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.StagedOutcomes.WithLabelValues("applied").Inc()
		s.deps.Metrics.SessionsStaged.Dec()
	}
	s.publishStaged(types.StagedApplied, "")
	if destroyed {
		// Content survived destruction for the post-reboot installer;
		// the outcome is terminal now.
		s.cleanupStageDir()
	}
}

// SetStagedFailed records a terminal staged failure with its code/message.
func (s *Session) SetStagedFailed(code sesserr.Code, msg string) {
	s.mu.Lock()
	if s.stagedState.Terminal() {
		s.mu.Unlock()
		return
	}
	wasReady := s.stagedState == types.StagedReady
	s.stagedState = types.StagedFailed
	s.stagedErrCode = code
	s.stagedErrMsg = msg
	destroyed := s.destroyed
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.StagedOutcomes.WithLabelValues("failed").Inc()
		if wasReady {
			s.deps.Metrics.SessionsStaged.Dec()
		}
	}
	s.log.Warn("staged session failed",
		zap.Int("session_id", s.id),
		zap.String("code", code.String()),
		zap.String("reason", msg),
	)
	s.publishStaged(types.StagedFailed, msg)
	if destroyed {
		s.cleanupStageDir()
	}
}

// ReportStagedReady delivers the pre-reboot success report through the
// commit target exactly once. The session stays committed; application
// happens after reboot.
func (s *Session) ReportStagedReady() {
	if !s.reportOnce() {
		return
	}
	s.mu.Lock()
	target := s.commitTarget
	s.mu.Unlock()
	if target != nil {
		s.deps.queue(func() { target.OnFinished(s.id, nil) })
	}
	s.publishFinished(nil)
}

// FailStagedGroup marks the staged sub-state failed with the shared cause,
// tears down every resolved child and then the session itself, and reports
// the failure once through the commit target.
func (s *Session) FailStagedGroup(cause *sesserr.Error) {
	s.SetStagedFailed(cause.Code, cause.Msg)
	if children, rerr := s.resolveChildren(); rerr == nil {
		for _, child := range children {
			child.SetStagedFailed(cause.Code, cause.Msg)
			child.destroyWithError(cause)
		}
	}
	s.finish(cause)
}

// BeginVerification flags pre-reboot verification as in flight so a
// concurrent Abandon defers instead of racing the verifier. Returns false
// when the session is already gone.
func (s *Session) BeginVerification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.verifying = true
	return true
}

// EndVerification clears the in-flight flag and runs a deferred abandon
// exactly once if one queued up meanwhile.
func (s *Session) EndVerification() {
	s.mu.Lock()
	s.verifying = false
	runAbandon := s.pendingAbandon
	s.pendingAbandon = false
	s.mu.Unlock()

	if runAbandon {
		s.log.Info("running deferred abandon", zap.Int("session_id", s.id))
		cause := sesserr.New(sesserr.Aborted, "session %d abandoned", s.id)
		s.SetStagedFailed(cause.Code, cause.Msg)
		s.finish(cause)
	}
}

// ContainsModule reports whether validation found a core-OS module in this
// session's files. Valid after commit.
func (s *Session) ContainsModule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved != nil && s.resolved.ContainsModule
}

// ResolvedInfo returns a copy of the validation outputs, or nil before commit.
func (s *Session) ResolvedInfo() *Resolved {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved == nil {
		return nil
	}
	cp := *s.resolved
	return &cp
}

// OnImageReady is the loader bridge's image-ready hook. For a child the
// seal is deferred to its parent; otherwise the session seals itself and,
// if a commit is pending, carries on through validation and dispatch.
func (s *Session) OnImageReady() {
	s.mu.Lock()
	s.imageReady = true
	deferred := s.parentID != 0
	requested := s.commitRequested
	target := s.commitTarget
	s.mu.Unlock()

	if deferred {
		// Parent seals the whole group during its own commit.
		return
	}
	if !requested {
		// Image arrived before any client action; seal now so the file
		// set is frozen, commit comes later.
		_ = s.Seal(target)
		return
	}
	s.deps.queue(func() {
		_ = s.continueCommit(target)
	})
}

// OnLoaderFailure is the loader bridge's failure hook. Transient failures
// (retryable) report without destroying so the caller may retry commit;
// unrecoverable ones tear the session down.
func (s *Session) OnLoaderFailure(cause *sesserr.Error) {
	if cause == nil {
		return
	}
	if cause.Retryable {
		s.mu.Lock()
		s.commitRequested = false
		target := s.commitTarget
		s.mu.Unlock()

		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCommit("failure")
		}
		if target != nil {
			s.deps.queue(func() { target.OnFinished(s.id, cause) })
		}
		s.publishFinished(cause)
		return
	}
	s.finish(cause)
}
