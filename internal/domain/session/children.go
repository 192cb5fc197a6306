package session

import (
	"github.com/packagesmith/installd/internal/shared/sesserr"
)

// Cross-session structural mutation (adding a child, re-parenting) touches
// two sessions at once. Each participant carries a compare-and-set
// transaction flag; both must be acquired before either session's state is
// touched, and acquisition fails fast instead of blocking so parent/child
// lock ordering can never deadlock. These operations are rare; callers
// retry on ErrTransactionBusy.

// ErrTransactionBusy is returned when another structural mutation holds a
// participant's transaction lock.
var ErrTransactionBusy = sesserr.New(sesserr.InvalidState, "session busy with another structural change")

// tryAcquireTxn takes the transaction lock, failing fast when contended.
func (s *Session) tryAcquireTxn() bool {
	return s.txnBusy.CompareAndSwap(false, true)
}

func (s *Session) releaseTxn() {
	s.txnBusy.Store(false)
}

// AddChild links child into this multi-package parent. Both transaction
// locks are held for the duration; the operation fails fast when either
// session is mid-mutation elsewhere.
func (s *Session) AddChild(child *Session) error {
	if !s.params.MultiPackage {
		return sesserr.New(sesserr.InvalidState, "session %d is not multi-package", s.id)
	}
	if child.params.MultiPackage {
		return sesserr.New(sesserr.InvalidState, "multi-package session %d cannot be a child", child.id)
	}
	if child.id == s.id {
		return sesserr.New(sesserr.InvalidState, "session %d cannot parent itself", s.id)
	}

	if !s.tryAcquireTxn() {
		return ErrTransactionBusy
	}
	defer s.releaseTxn()
	if !child.tryAcquireTxn() {
		return ErrTransactionBusy
	}
	defer child.releaseTxn()

	child.mu.Lock()
	switch {
	case child.destroyed:
		child.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "child session %d is destroyed", child.id)
	case child.parentID == s.id:
		child.mu.Unlock()
		return nil // already linked
	case child.parentID != 0:
		child.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d already belongs to parent %d", child.id, child.parentID)
	}
	child.parentID = s.id
	child.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.state >= StateSealed {
		// Roll the link back; the parent can no longer accept children.
		child.mu.Lock()
		child.parentID = 0
		child.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "parent session %d is no longer accepting children", s.id)
	}
	for _, cid := range s.childIDs {
		if cid == child.id {
			return nil
		}
	}
	s.childIDs = append(s.childIDs, child.id)
	return nil
}

// ParentID returns the owning parent id, or 0 when unparented.
func (s *Session) ParentID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentID
}

// ChildIDs returns a copy of the child session ids.
func (s *Session) ChildIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.childIDs...)
}

// resolveChildren maps child ids to live sessions through the registry.
// A missing child means persisted state has not fully reappeared yet.
func (s *Session) resolveChildren() ([]*Session, *sesserr.Error) {
	if s.resolver == nil {
		return nil, sesserr.New(sesserr.InvalidState, "session %d has no registry resolver", s.id)
	}
	ids := s.ChildIDs()
	children := make([]*Session, 0, len(ids))
	for _, cid := range ids {
		child, ok := s.resolver.Get(cid)
		if !ok {
			return nil, sesserr.New(sesserr.InvalidState, "child session %d not found", cid)
		}
		children = append(children, child)
	}
	return children, nil
}

// ChildrenRestored reports whether every declared child id resolves to a
// live session. Staged resumption is withheld until this holds.
func (s *Session) ChildrenRestored() bool {
	if s.resolver == nil {
		return false
	}
	for _, cid := range s.ChildIDs() {
		if _, ok := s.resolver.Get(cid); !ok {
			return false
		}
	}
	return true
}
