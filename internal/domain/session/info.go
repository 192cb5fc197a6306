package session

import "github.com/packagesmith/installd/internal/shared/types"

// Info returns a status snapshot. With scrub true, caller-sensitive fields
// (originating and referrer URIs) are omitted unless callerUID owns the
// session.
func (s *Session) Info(scrub bool, callerUID int) types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := s.params
	if scrub && callerUID != s.installerUIDCur {
		params.OriginatingURI = ""
		params.ReferrerURI = ""
	}

	info := types.SessionInfo{
		ID:                s.id,
		UserID:            s.userID,
		InstallerUID:      s.installerUIDCur,
		OriginalInstaller: s.originalInstaller,
		Params:            params,
		CreatedAt:         s.createdAt,
		Prepared:          s.state >= StatePrepared,
		Sealed:            s.state >= StateSealed,
		Committed:         s.state >= StateCommitted,
		Destroyed:         s.destroyed,
		Progress:          s.reportedProgress,
		ParentID:          s.parentID,
		ChildIDs:          append([]int(nil), s.childIDs...),
		StagedState:       s.stagedState,
		StagedError:       s.stagedErrMsg,
		StagedErrCode:     int(s.stagedErrCode),
	}
	if s.resolved != nil {
		info.ResolvedPackage = s.resolved.PackageName
		info.VersionCode = s.resolved.VersionCode
		info.SigningID = s.resolved.SigningID
		info.BaseFile = s.resolved.BaseFile
		info.StagedFiles = append([]string(nil), s.resolved.StagedFiles...)
		info.InheritedFiles = append([]string(nil), s.resolved.InheritedFiles...)
		info.Digests = append([]types.FileDigest(nil), s.resolved.Digests...)
	}
	return info
}
