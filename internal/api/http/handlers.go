// Package http exposes the install-session REST surface: session
// lifecycle, write channels, commit and abandon, ownership transfer, and
// multi-package links. Terminal outcomes flow through the event stream;
// these handlers answer synchronously with the session snapshot.
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/domain/registry"
	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// callerHeader carries the authenticated installer uid, stamped by the
// platform gateway in front of this service.
const callerHeader = "X-Caller-UID"

// Handlers is the REST handler set.
type Handlers struct {
	registry *registry.Registry
	log      *logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(reg *registry.Registry, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{registry: reg, log: logger.Named("http")}
}

// Register mounts every session route on the router.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)

	v1 := r.Group("/v1")
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:id", h.GetSession)
	v1.PUT("/sessions/:id/files/:name", h.WriteFile)
	v1.POST("/sessions/:id/files", h.DeclareFile)
	v1.POST("/sessions/:id/checksums", h.AddChecksums)
	v1.POST("/sessions/:id/progress", h.SetProgress)
	v1.POST("/sessions/:id/commit", h.Commit)
	v1.POST("/sessions/:id/permissions", h.AcceptPermissions)
	v1.POST("/sessions/:id/abandon", h.Abandon)
	v1.POST("/sessions/:id/transfer", h.Transfer)
	v1.POST("/sessions/:id/children", h.AddChild)
}

// Root answers the health probe.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "online",
		"service":  "installd",
		"sessions": h.registry.Count(),
	})
}

func callerUID(c *gin.Context) int {
	uid, err := strconv.Atoi(c.GetHeader(callerHeader))
	if err != nil {
		return 0
	}
	return uid
}

// statusFor maps typed install errors onto HTTP statuses.
func statusFor(err error) int {
	var e *sesserr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case sesserr.InvalidState:
		return http.StatusConflict
	case sesserr.InconsistentPackage, sesserr.MissingSplit:
		return http.StatusUnprocessableEntity
	case sesserr.StorageUnavailable, sesserr.MediaUnavailable:
		return http.StatusServiceUnavailable
	case sesserr.Aborted:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	e := sesserr.AsError(err)
	c.JSON(statusFor(e), gin.H{
		"error":     e.Msg,
		"code":      e.Code.String(),
		"retryable": e.Retryable,
	})
}

func (h *Handlers) lookup(c *gin.Context) (*session.Session, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	s, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
		return nil, false
	}
	return s, true
}

type createSessionRequest struct {
	UserID int                 `json:"user_id"`
	Params types.SessionParams `json:"params"`
	// Installer is the package identity recorded as original installer.
	Installer string `json:"installer,omitempty"`
}

// CreateSession opens a fresh session and prepares its content area.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.registry.Open(req.Params, req.UserID, callerUID(c), req.Installer)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := s.Open(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Info(true, callerUID(c)))
}

// GetSession returns the snapshot, scrubbed for non-owners.
func (h *Handlers) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info(true, callerUID(c)))
}

// ListSessions returns every live session's snapshot.
func (h *Handlers) ListSessions(c *gin.Context) {
	uid := callerUID(c)
	all := h.registry.All()
	infos := make([]types.SessionInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info(true, uid))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

// WriteFile streams the request body into a named write channel.
// Offset and length come from query parameters; length -1 means unknown.
func (h *Handlers) WriteFile(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	name := c.Param("name")
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	length, _ := strconv.ParseInt(c.DefaultQuery("length", "-1"), 10, 64)

	n, err := s.Write(name, offset, length, c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": n})
}

// DeclareFile records a data-loader file declaration.
func (h *Handlers) DeclareFile(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var f types.DeclaredFile
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Removed {
		if err := s.RemoveFile(f.Location, f.Name); err != nil {
			h.fail(c, err)
			return
		}
	} else if err := s.AddFile(f); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type checksumRequest struct {
	Name      string           `json:"name"`
	Checksums []types.Checksum `json:"checksums"`
}

// AddChecksums attaches caller-supplied checksums to a file.
func (h *Handlers) AddChecksums(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var req checksumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.AddChecksums(req.Name, req.Checksums); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type progressRequest struct {
	Progress float64 `json:"progress"`
}

// SetProgress records the client-reported progress fraction.
func (h *Handlers) SetProgress(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.SetClientProgress(req.Progress)
	c.Status(http.StatusNoContent)
}

// Commit seals and commits the session. The result arrives asynchronously
// on the event stream; the response acknowledges acceptance only.
func (h *Handlers) Commit(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := s.Commit(logTarget{log: h.log}); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.registry.Persist(s); err != nil {
		h.log.Warn("persist after commit failed", zap.Int("session_id", s.ID()), zap.Error(err))
	}
	c.JSON(http.StatusAccepted, s.Info(true, callerUID(c)))
}

// AcceptPermissions records user confirmation, unblocking a gated commit.
func (h *Handlers) AcceptPermissions(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.SetPermissionsAccepted()
	c.Status(http.StatusNoContent)
}

// Abandon cancels the session.
func (h *Handlers) Abandon(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Abandon()
	if s.Destroyed() && (!s.Params().Staged || s.StagedState().Terminal()) {
		h.registry.Remove(s.ID())
	} else if err := h.registry.Persist(s); err != nil {
		h.log.Warn("persist after abandon failed", zap.Int("session_id", s.ID()), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

type transferRequest struct {
	PackageName string `json:"package_name"`
}

// Transfer reassigns session ownership to another installer package.
func (h *Handlers) Transfer(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.TransferOwnership(req.PackageName); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.registry.Persist(s); err != nil {
		h.log.Warn("persist after transfer failed", zap.Int("session_id", s.ID()), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

type addChildRequest struct {
	ChildID int `json:"child_id"`
}

// AddChild links a child session into a multi-package parent.
func (h *Handlers) AddChild(c *gin.Context) {
	parent, ok := h.lookup(c)
	if !ok {
		return
	}
	var req addChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	child, found := h.registry.Get(req.ChildID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such child session"})
		return
	}
	if err := parent.AddChild(child); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.registry.Persist(parent); err == nil {
		_ = h.registry.Persist(child)
	}
	c.Status(http.StatusNoContent)
}

// logTarget satisfies the status target for HTTP-driven commits, where the
// caller observes outcomes on the event stream instead of a callback.
type logTarget struct {
	log *logging.Logger
}

func (t logTarget) OnFinished(sessionID int, err *sesserr.Error) {
	if err != nil {
		t.log.Warn("session finished with error",
			zap.Int("session_id", sessionID),
			zap.String("code", err.Code.String()),
			zap.String("reason", err.Msg),
		)
		return
	}
	t.log.Info("session finished", zap.Int("session_id", sessionID))
}

func (t logTarget) OnUserActionRequired(sessionID int) {
	t.log.Info("session awaiting user confirmation", zap.Int("session_id", sessionID))
}
