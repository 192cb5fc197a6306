package types

import "time"

// InstallMode selects how staged content combines with an existing install.
type InstallMode int

const (
	// ModeFull replaces the installed package entirely; every file must be staged.
	ModeFull InstallMode = iota
	// ModeInheritExisting overlays staged files onto the existing install;
	// splits not overridden are inherited by reference.
	ModeInheritExisting
)

// InstallFlags is a bitmask of per-session install options.
type InstallFlags uint32

const (
	// FlagAllowDowngrade permits a lower version code than the existing install.
	FlagAllowDowngrade InstallFlags = 1 << iota
	// FlagEnableRollback requests install-time rollback registration.
	FlagEnableRollback
	// FlagRequireUserAction gates commit on explicit permission confirmation.
	FlagRequireUserAction
)

// DataLoaderParams configures a streaming/incremental content source.
type DataLoaderParams struct {
	// Manual sources are explicitly sequenced by the bridge
	// (create, start, request image, destroy); incremental sources
	// self-manage and only report status.
	Manual    bool   `json:"manual"`
	Endpoint  string `json:"endpoint"`
	Arguments string `json:"arguments,omitempty"`
	// SystemTrusted loaders may legitimately block on page reads and are
	// exempt from the unhealthy-storage deadline.
	SystemTrusted bool `json:"system_trusted,omitempty"`
}

// SessionParams are the immutable parameters a session is opened with.
type SessionParams struct {
	Mode         InstallMode       `json:"mode"`
	MultiPackage bool              `json:"multi_package"`
	Staged       bool              `json:"staged"`
	SizeBytes    int64             `json:"size_bytes,omitempty"`
	PackageName  string            `json:"package_name,omitempty"`
	Flags        InstallFlags      `json:"flags,omitempty"`
	DataLoader   *DataLoaderParams `json:"data_loader,omitempty"`

	// Caller-sensitive fields, scrubbed from snapshots unless the caller
	// owns the session.
	OriginatingURI string `json:"originating_uri,omitempty"`
	ReferrerURI    string `json:"referrer_uri,omitempty"`
}

// ChecksumKind identifies the algorithm of an externally supplied checksum.
type ChecksumKind int

const (
	ChecksumSHA256 ChecksumKind = iota + 1
	ChecksumSHA512
	ChecksumBlake2b
)

// Checksum is an externally supplied checksum record for a declared file.
type Checksum struct {
	Kind  ChecksumKind `json:"kind"`
	Value []byte       `json:"value"`
}

// FileLocation tells the installer where a declared file belongs.
type FileLocation int

const (
	LocationData FileLocation = iota
	LocationMediaOBB
)

// DeclaredFile is a declarative file record for data-loader installs:
// metadata only, no bytes moved at declaration time.
type DeclaredFile struct {
	Location FileLocation `json:"location"`
	Name     string       `json:"name"`
	Size     int64        `json:"size"`
	// Metadata is opaque signing metadata handed through to the installer.
	Metadata []byte `json:"metadata,omitempty"`
	// Removed marks the entry as a removal marker consumed by the
	// installer, not a physical deletion.
	Removed   bool       `json:"removed,omitempty"`
	Checksums []Checksum `json:"checksums,omitempty"`
}

// StagedState is the tri-state outcome of a reboot-deferred session.
// Transitions are monotonic: once Applied or Failed, no further change.
type StagedState int

const (
	StagedPending StagedState = iota
	StagedReady
	StagedApplied
	StagedFailed
)

// String returns the string representation of the staged state.
func (s StagedState) String() string {
	switch s {
	case StagedPending:
		return "pending"
	case StagedReady:
		return "ready"
	case StagedApplied:
		return "applied"
	case StagedFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the staged outcome can no longer change.
func (s StagedState) Terminal() bool {
	return s == StagedApplied || s == StagedFailed
}

// FileDigest pairs a staged file with its content digest computed at seal time.
type FileDigest struct {
	Name   string `json:"name"`
	Digest []byte `json:"digest"`
}

// SessionInfo is the synchronous status snapshot exposed to callers.
type SessionInfo struct {
	ID                int           `json:"id"`
	UserID            int           `json:"user_id"`
	InstallerUID      int           `json:"installer_uid"`
	OriginalInstaller string        `json:"original_installer,omitempty"`
	Params            SessionParams `json:"params"`
	CreatedAt         time.Time     `json:"created_at"`

	Prepared  bool    `json:"prepared"`
	Sealed    bool    `json:"sealed"`
	Committed bool    `json:"committed"`
	Destroyed bool    `json:"destroyed"`
	Progress  float64 `json:"progress"`

	ParentID int   `json:"parent_id,omitempty"`
	ChildIDs []int `json:"child_ids,omitempty"`

	StagedState   StagedState `json:"staged_state,omitempty"`
	StagedError   string      `json:"staged_error,omitempty"`
	StagedErrCode int         `json:"staged_error_code,omitempty"`

	// Populated only after sealing.
	ResolvedPackage string       `json:"resolved_package,omitempty"`
	VersionCode     int64        `json:"version_code,omitempty"`
	SigningID       string       `json:"signing_id,omitempty"`
	BaseFile        string       `json:"base_file,omitempty"`
	StagedFiles     []string     `json:"staged_files,omitempty"`
	InheritedFiles  []string     `json:"inherited_files,omitempty"`
	Digests         []FileDigest `json:"digests,omitempty"`
}
