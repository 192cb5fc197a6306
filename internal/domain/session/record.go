package session

import (
	"time"

	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Record is the persistent snapshot of a session, written through the
// registry's store on every durable state change and read back verbatim at
// restart. The on-disk encoding belongs to the store.
type Record struct {
	ID                int                         `json:"id"`
	UserID            int                         `json:"user_id"`
	InstallerUID      int                         `json:"installer_uid"`
	OriginalInstaller string                      `json:"original_installer,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
	Params            types.SessionParams         `json:"params"`
	StageDir          string                      `json:"stage_dir,omitempty"`
	State             State                       `json:"state"`
	Destroyed         bool                        `json:"destroyed,omitempty"`
	Relinquished      bool                        `json:"relinquished,omitempty"`
	PermissionsOK     bool                        `json:"permissions_accepted,omitempty"`
	ClientProgress    float64                     `json:"client_progress,omitempty"`
	ParentID          int                         `json:"parent_id,omitempty"`
	ChildIDs          []int                       `json:"child_ids,omitempty"`
	Declared          []types.DeclaredFile        `json:"declared,omitempty"`
	Checksums         map[string][]types.Checksum `json:"checksums,omitempty"`
	StagedState       types.StagedState           `json:"staged_state,omitempty"`
	StagedErrCode     int                         `json:"staged_err_code,omitempty"`
	StagedErrMsg      string                      `json:"staged_err_msg,omitempty"`
	Resolved          *Resolved                   `json:"resolved,omitempty"`
}

// Snapshot captures the session's persistent state.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:                s.id,
		UserID:            s.userID,
		InstallerUID:      s.installerUIDCur,
		OriginalInstaller: s.originalInstaller,
		CreatedAt:         s.createdAt,
		Params:            s.params,
		StageDir:          s.stageDir,
		State:             s.state,
		Destroyed:         s.destroyed,
		Relinquished:      s.relinquished,
		PermissionsOK:     s.permissionsAccepted,
		ClientProgress:    s.clientProgress,
		ParentID:          s.parentID,
		ChildIDs:          append([]int(nil), s.childIDs...),
		Declared:          append([]types.DeclaredFile(nil), s.declared...),
		StagedState:       s.stagedState,
		StagedErrCode:     int(s.stagedErrCode),
		StagedErrMsg:      s.stagedErrMsg,
	}
	if len(s.checksums) > 0 {
		rec.Checksums = make(map[string][]types.Checksum, len(s.checksums))
		for k, v := range s.checksums {
			rec.Checksums[k] = append([]types.Checksum(nil), v...)
		}
	}
	if s.resolved != nil {
		cp := *s.resolved
		rec.Resolved = &cp
	}
	return rec
}

// FromRecord reconstructs a session from its persisted state, flags
// restored verbatim. Parent/child ids resolve lazily through the registry
// resolver once every record is loaded.
func FromRecord(rec Record, deps Deps) *Session {
	s := New(rec.ID, rec.UserID, rec.InstallerUID, rec.OriginalInstaller, rec.Params, rec.StageDir, deps)
	s.createdAt = rec.CreatedAt
	s.state = rec.State
	s.destroyed = rec.Destroyed
	s.relinquished = rec.Relinquished
	s.permissionsAccepted = rec.PermissionsOK
	s.clientProgress = rec.ClientProgress
	s.parentID = rec.ParentID
	s.childIDs = append([]int(nil), rec.ChildIDs...)
	s.declared = append([]types.DeclaredFile(nil), rec.Declared...)
	for k, v := range rec.Checksums {
		s.checksums[k] = append([]types.Checksum(nil), v...)
	}
	s.stagedState = rec.StagedState
	s.stagedErrCode = sesserr.Code(rec.StagedErrCode)
	s.stagedErrMsg = rec.StagedErrMsg
	if rec.Resolved != nil {
		cp := *rec.Resolved
		s.resolved = &cp
	}
	return s
}
