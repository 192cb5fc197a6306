package session

import (
	"sync"
	"time"

	"github.com/packagesmith/installd/internal/shared/id"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// StatusTarget receives the terminal outcome of a commit. Every committed
// session reports exactly one final status to its target: success,
// pending-user-action, or failure with the typed error.
type StatusTarget interface {
	// OnFinished delivers the final status; err nil means success.
	OnFinished(sessionID int, err *sesserr.Error)
	// OnUserActionRequired asks the caller to confirm permissions and
	// re-drive the session via Commit after SetPermissionsAccepted.
	OnUserActionRequired(sessionID int)
}

// FuncTarget adapts plain functions to StatusTarget.
type FuncTarget struct {
	Finished   func(sessionID int, err *sesserr.Error)
	UserAction func(sessionID int)
}

func (t FuncTarget) OnFinished(sessionID int, err *sesserr.Error) {
	if t.Finished != nil {
		t.Finished(sessionID, err)
	}
}

func (t FuncTarget) OnUserActionRequired(sessionID int) {
	if t.UserAction != nil {
		t.UserAction(sessionID)
	}
}

// Notifier fans session events out to subscribers. Sends never block the
// session lock: a subscriber whose buffer is full misses non-terminal
// events; one that is full on a terminal event is dropped entirely so the
// at-least-once terminal guarantee holds for everyone still subscribed.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan types.Event
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan types.Event)}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus a cancel function. The channel is closed on cancel or
// when the subscriber is dropped for falling behind on a terminal event.
func (n *Notifier) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.Event, buffer)

	n.mu.Lock()
	subID := n.nextID
	n.nextID++
	n.subs[subID] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if c, ok := n.subs[subID]; ok {
			delete(n.subs, subID)
			close(c)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers.
func (n *Notifier) Publish(ev types.Event) {
	terminal := ev.Kind == types.EventFinished ||
		(ev.Kind == types.EventStaged && (ev.StagedState == types.StagedApplied.String() || ev.StagedState == types.StagedFailed.String()))

	n.mu.Lock()
	defer n.mu.Unlock()
	for subID, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			if terminal {
				delete(n.subs, subID)
				close(ch)
			}
		}
	}
}

// event builds a base event for this session.
func (s *Session) event(kind types.EventKind) types.Event {
	return types.Event{
		ID:        string(id.NewEventID()),
		SessionID: s.id,
		Kind:      kind,
		Time:      time.Now(),
	}
}

func (s *Session) publish(ev types.Event) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(ev)
	}
}

func (s *Session) publishProgress(progress float64) {
	ev := s.event(types.EventProgress)
	ev.Progress = progress
	s.publish(ev)
}

func (s *Session) publishFinished(cause *sesserr.Error) {
	ev := s.event(types.EventFinished)
	if cause == nil {
		ev.Success = true
	} else {
		ev.ErrorCode = int(cause.Code)
		ev.Message = cause.Msg
	}
	s.publish(ev)
}

func (s *Session) publishStaged(state types.StagedState, msg string) {
	ev := s.event(types.EventStaged)
	ev.StagedState = state.String()
	ev.Message = msg
	s.publish(ev)
}
