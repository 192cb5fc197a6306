package registry

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Store persists session records. The on-disk format is the store's
// business; the registry only round-trips Records through it.
type Store interface {
	Write(rec session.Record) error
	ReadAll() ([]session.Record, error)
	Delete(id int) error
}

// Registry is the process-wide table of live sessions. It owns every
// Session instance by id; parent/child links inside sessions are ids
// resolved against this table, never direct references. The registry's own
// lock is independent of any individual session's lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*session.Session
	perUID   map[int]int
	// chargedUID remembers which uid each session's quota slot was charged
	// to; ownership transfer changes the session's installer uid but not
	// the charge.
	chargedUID map[int]int

	stageRoot string
	maxPerUID int
	store     Store
	deps      session.Deps
	log       *logging.Logger
	rng       *rand.Rand
}

// Config configures the registry.
type Config struct {
	StageRoot string
	MaxPerUID int
	Store     Store
}

// New creates an empty registry. deps are handed to every session it
// creates or restores.
func New(cfg Config, deps session.Deps, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.MaxPerUID <= 0 {
		cfg.MaxPerUID = 50
	}
	return &Registry{
		sessions:   make(map[int]*session.Session),
		perUID:     make(map[int]int),
		chargedUID: make(map[int]int),
		stageRoot:  cfg.StageRoot,
		maxPerUID:  cfg.MaxPerUID,
		store:      cfg.Store,
		deps:       deps,
		log:        logger.Named("registry"),
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

// SetStagedCommitter late-binds the staging coordinator into the deps
// handed to new and restored sessions. The coordinator itself needs the
// registry, so it cannot be in deps at construction. Call before Open or
// Restore.
func (r *Registry) SetStagedCommitter(sc session.StagedCommitter) {
	r.mu.Lock()
	r.deps.Staging = sc
	r.mu.Unlock()
}

// Open creates a fresh session with a new process-unique id and persists
// its initial record. Callers over their per-uid quota are rejected.
func (r *Registry) Open(params types.SessionParams, userID, installerUID int, originalInstaller string) (*session.Session, error) {
	r.mu.Lock()
	if r.perUID[installerUID] >= r.maxPerUID {
		r.mu.Unlock()
		return nil, sesserr.New(sesserr.InvalidState, "uid %d has too many open sessions", installerUID)
	}
	id := r.allocateIDLocked()
	stageDir := ""
	if !params.MultiPackage {
		stageDir = filepath.Join(r.stageRoot, fmt.Sprintf("vmdl%d.tmp", id))
	}
	s := session.New(id, userID, installerUID, originalInstaller, params, stageDir, r.deps)
	s.SetResolver(r)
	r.sessions[id] = s
	r.perUID[installerUID]++
	r.chargedUID[id] = installerUID
	r.mu.Unlock()

	if err := r.Persist(s); err != nil {
		r.log.Warn("initial session persist failed", zap.Int("session_id", id), zap.Error(err))
	}
	r.log.Info("session opened",
		zap.Int("session_id", id),
		zap.Int("uid", installerUID),
		zap.Bool("staged", params.Staged),
		zap.Bool("multi_package", params.MultiPackage),
	)
	return s, nil
}

// allocateIDLocked picks an unused random positive id. Random rather than
// sequential so restarted clients cannot guess a neighbor's session.
func (r *Registry) allocateIDLocked() int {
	for {
		id := int(r.rng.Int31n(1<<20)) + 1
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

// Get resolves a live session by id. Implements session.Resolver.
func (r *Registry) Get(id int) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Staged returns every live staged session, used by boot-time resumption.
func (r *Registry) Staged() []*session.Session {
	var out []*session.Session
	for _, s := range r.All() {
		if s.Params().Staged {
			out = append(out, s)
		}
	}
	return out
}

// Remove drops a session from the table and deletes its persisted record.
// The session itself is expected to be destroyed already.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		uid, charged := r.chargedUID[id]
		if !charged {
			uid = s.InstallerUID()
		}
		delete(r.chargedUID, id)
		if n := r.perUID[uid]; n > 1 {
			r.perUID[uid] = n - 1
		} else {
			delete(r.perUID, uid)
		}
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		if err := r.store.Delete(id); err != nil {
			r.log.Warn("record delete failed", zap.Int("session_id", id), zap.Error(err))
		}
	}
}

// Persist writes the session's current record through the store.
func (r *Registry) Persist(s *session.Session) error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(s.Snapshot())
}

// Restore reloads every persisted session at startup. Flags come back
// verbatim; sessions whose terminal outcome already landed are dropped
// along with their records. Child links resolve only after every record is
// in the table, so restore is strictly two-phase.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ReadAll()
	if err != nil {
		return fmt.Errorf("read session records: %w", err)
	}

	for _, rec := range records {
		if rec.Destroyed && (!rec.Params.Staged || rec.StagedState.Terminal()) {
			if derr := r.store.Delete(rec.ID); derr != nil {
				r.log.Warn("stale record delete failed", zap.Int("session_id", rec.ID), zap.Error(derr))
			}
			continue
		}
		s := session.FromRecord(rec, r.deps)
		s.SetResolver(r)

		r.mu.Lock()
		r.sessions[rec.ID] = s
		r.perUID[rec.InstallerUID]++
		r.chargedUID[rec.ID] = rec.InstallerUID
		r.mu.Unlock()
	}

	r.log.Info("sessions restored", zap.Int("count", len(r.sessions)))
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

var _ session.Resolver = (*Registry)(nil)
