// Package collab declares the narrow interfaces installd consumes from
// external subsystems. Archive parsing, actual file placement, module
// activation, and rollback bookkeeping live behind these; their internals
// are other services' problem. Implementations are injected once at
// construction, never looked up globally.
package collab

import (
	"context"

	"github.com/packagesmith/installd/internal/shared/types"
)

// ParseFlags carries boolean attributes extracted by the lite parse.
type ParseFlags uint32

const (
	// FlagRequiredSplit marks a base that cannot install without at least
	// one split present.
	FlagRequiredSplit ParseFlags = 1 << iota
	// FlagModule marks a core-OS module package that must go through the
	// activation service.
	FlagModule
)

// ParseResult is the identity a single archive file resolves to.
type ParseResult struct {
	PackageName string
	VersionCode int64
	SigningID   string
	// SplitName is empty for the base file.
	SplitName string
	Flags     ParseFlags
}

// IsModule reports whether the parsed file is a core-OS module.
func (p *ParseResult) IsModule() bool { return p.Flags&FlagModule != 0 }

// RequiresSplit reports whether the base demands at least one split.
func (p *ParseResult) RequiresSplit() bool { return p.Flags&FlagRequiredSplit != 0 }

// ArchiveValidator parses staged archives just far enough to extract
// identity. A parse failure is a typed error from the implementation.
type ArchiveValidator interface {
	ParseLite(path string) (*ParseResult, error)
}

// InstallRequest hands a fully validated session's content to the installer.
type InstallRequest struct {
	SessionID   int
	UserID      int
	PackageName string
	VersionCode int64
	SigningID   string
	Params      types.SessionParams
	// StageDir is the content area the installer takes ownership of.
	StageDir string
	// Files are the resolved archive paths (staged plus inherited).
	Files []string
	// DeclaredFiles carries data-loader declarations, including removal markers.
	DeclaredFiles []types.DeclaredFile
}

// Installer performs actual file placement and activation for a validated
// session. Calls are synchronous; installd dispatches them from its own
// background queue and reports outcomes through the session's status target.
type Installer interface {
	InstallNonStaged(ctx context.Context, req InstallRequest) error
	InstallStaged(ctx context.Context, req InstallRequest) error
}

// InstalledPackage is the identity snapshot of an existing install, used to
// validate inherit-mode sessions.
type InstalledPackage struct {
	PackageName string
	VersionCode int64
	SigningID   string
	BasePath    string
	// SplitPaths maps split name to on-disk path for inherit-by-reference.
	SplitPaths map[string]string
}

// InstalledCatalog resolves the currently installed state of a package for
// one user. Returns false when the package is not installed.
type InstalledCatalog interface {
	Existing(packageName string, userID int) (*InstalledPackage, bool)
}

// ActivationStatus is the module activation service's view of a staged session.
type ActivationStatus int

const (
	ActivationUnknown ActivationStatus = iota
	ActivationVerified
	ActivationActivated
	ActivationFailed
)

// String returns the string representation of the status.
func (s ActivationStatus) String() string {
	switch s {
	case ActivationVerified:
		return "verified"
	case ActivationActivated:
		return "activated"
	case ActivationFailed:
		return "activation_failed"
	default:
		return "unknown"
	}
}

// ModuleInfo describes one module submitted for activation, including the
// signing identity of the currently active version for comparison.
type ModuleInfo struct {
	Name            string `json:"name"`
	SigningID       string `json:"signing_id"`
	ActiveSigningID string `json:"active_signing_id"`
}

// ModuleActivation is the activation service for core-OS modules. Submit
// groups a parent and all module-bearing children into one atomic unit.
type ModuleActivation interface {
	Submit(ctx context.Context, sessionID int, childIDs []int) ([]ModuleInfo, error)
	MarkReady(ctx context.Context, sessionID int) error
	QueryStatus(ctx context.Context, sessionID int) (ActivationStatus, error)
}

// Rollback registers staged sessions for install-time rollback. Best effort:
// failures are logged by the caller, never propagated.
type Rollback interface {
	NotifyStagedSession(sessionID int) error
	NotifyStagedAPKSession(parentID, apkID int) error
}

// IdentityResolver maps installer package identities to uids and answers
// install-authority checks for session transfer.
type IdentityResolver interface {
	UIDForPackage(packageName string, userID int) (int, error)
	HasInstallAuthority(uid int) bool
}
