package loader

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/infrastructure/config"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/shared/sesserr"
	"github.com/packagesmith/installd/internal/shared/types"
)

// Status is a data loader's lifecycle report. The happy path runs
// Bound, Created, Started, ImageReady; ImageNotReady and Unrecoverable are
// terminal failures, Unavailable is transient and retryable.
type Status int

const (
	StatusBound Status = iota + 1
	StatusCreated
	StatusStarted
	StatusImageReady
	StatusImageNotReady
	StatusUnavailable
	StatusUnrecoverable
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusBound:
		return "bound"
	case StatusCreated:
		return "created"
	case StatusStarted:
		return "started"
	case StatusImageReady:
		return "image_ready"
	case StatusImageNotReady:
		return "image_not_ready"
	case StatusUnavailable:
		return "unavailable"
	case StatusUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Target receives the bridge's outcome. A streaming session satisfies this:
// image-ready resumes its commit, a failure finishes or pauses it depending
// on retryability.
type Target interface {
	ID() int
	OnImageReady()
	OnLoaderFailure(cause *sesserr.Error)
}

// Control drives one bound loader instance. Manual loaders obey Create,
// Start, PrepareImage and Destroy; incremental ones self-manage and the
// bridge only watches Statuses. Health reports the backing storage's
// current condition when polled.
type Control interface {
	Create(ctx context.Context) error
	Start(ctx context.Context) error
	PrepareImage(ctx context.Context) error
	Destroy(ctx context.Context) error
	Statuses() <-chan Status
	Health() HealthStatus
}

// Provider binds loader instances for sessions.
type Provider interface {
	Bind(ctx context.Context, sessionID int, params types.DataLoaderParams) (Control, error)
}

// Bridge owns every in-flight loader handshake. One binding per session;
// retryable failures tear the binding down so a retried commit binds fresh.
type Bridge struct {
	provider Provider
	cfg      config.LoaderConfig
	log      *logging.Logger

	mu     sync.Mutex
	active map[int]*binding
}

// New creates a bridge.
func New(provider Provider, cfg config.LoaderConfig, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{
		provider: provider,
		cfg:      cfg,
		log:      logger.Named("loader"),
		active:   make(map[int]*binding),
	}
}

// Start binds a loader for the session and begins the handshake. A second
// Start for the same session while one is in flight is rejected.
func (b *Bridge) Start(target Target, params types.DataLoaderParams) error {
	b.mu.Lock()
	if _, busy := b.active[target.ID()]; busy {
		b.mu.Unlock()
		return sesserr.New(sesserr.InvalidState, "session %d already has a loader bound", target.ID())
	}
	b.mu.Unlock()

	ctrl, err := b.provider.Bind(context.Background(), target.ID(), params)
	if err != nil {
		return sesserr.Wrap(sesserr.MediaUnavailable, err, "bind loader for session %d", target.ID()).Retry()
	}

	bd := &binding{
		bridge:  b,
		target:  target,
		params:  params,
		ctrl:    ctrl,
		done:    make(chan struct{}),
		monitor: newHealthMonitor(b.cfg, params.SystemTrusted),
	}

	b.mu.Lock()
	if _, busy := b.active[target.ID()]; busy {
		b.mu.Unlock()
		_ = ctrl.Destroy(context.Background())
		return sesserr.New(sesserr.InvalidState, "session %d already has a loader bound", target.ID())
	}
	b.active[target.ID()] = bd
	b.mu.Unlock()

	b.log.Info("loader bound",
		zap.Int("session_id", target.ID()),
		zap.Bool("manual", params.Manual),
		zap.Bool("system_trusted", params.SystemTrusted),
	)
	go bd.run()
	return nil
}

// Stop tears down the session's binding, if any. Used when the session is
// abandoned mid-handshake.
func (b *Bridge) Stop(sessionID int) {
	b.mu.Lock()
	bd := b.active[sessionID]
	b.mu.Unlock()
	if bd != nil {
		bd.stop()
	}
}

// ActiveCount returns the number of in-flight handshakes.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Bridge) remove(sessionID int) {
	b.mu.Lock()
	delete(b.active, sessionID)
	b.mu.Unlock()
}

// binding is one session's handshake in flight.
type binding struct {
	bridge  *Bridge
	target  Target
	params  types.DataLoaderParams
	ctrl    Control
	monitor *healthMonitor

	once sync.Once
	done chan struct{}
}

func (bd *binding) stop() {
	bd.once.Do(func() { close(bd.done) })
}

// run consumes loader statuses until a terminal outcome, sequencing manual
// loaders itself and policing storage health throughout.
func (bd *binding) run() {
	defer bd.bridge.remove(bd.target.ID())
	defer bd.monitor.stop()

	log := bd.bridge.log
	statuses := bd.ctrl.Statuses()
	health := bd.monitor.watch(bd.ctrl)

	for {
		select {
		case <-bd.done:
			_ = bd.ctrl.Destroy(context.Background())
			return

		case cause := <-health:
			log.Warn("loader storage unhealthy",
				zap.Int("session_id", bd.target.ID()),
				zap.String("reason", cause.Msg),
			)
			_ = bd.ctrl.Destroy(context.Background())
			bd.target.OnLoaderFailure(cause)
			return

		case st, ok := <-statuses:
			if !ok {
				bd.fail(sesserr.New(sesserr.MediaUnavailable, "loader for session %d went away", bd.target.ID()).Retry())
				return
			}
			if terminal := bd.handle(st); terminal {
				return
			}
		}
	}
}

// handle reacts to one status report. Returns true when the handshake is
// over, success or not.
func (bd *binding) handle(st Status) bool {
	log := bd.bridge.log
	log.Debug("loader status",
		zap.Int("session_id", bd.target.ID()),
		zap.String("status", st.String()),
	)

	switch st {
	case StatusBound:
		if bd.params.Manual {
			if err := bd.ctrl.Create(context.Background()); err != nil {
				bd.fail(sesserr.Wrap(sesserr.MediaUnavailable, err, "create loader").Retry())
				return true
			}
		}
	case StatusCreated:
		if bd.params.Manual {
			if err := bd.ctrl.Start(context.Background()); err != nil {
				bd.fail(sesserr.Wrap(sesserr.MediaUnavailable, err, "start loader").Retry())
				return true
			}
		}
	case StatusStarted:
		if bd.params.Manual {
			if err := bd.ctrl.PrepareImage(context.Background()); err != nil {
				bd.fail(sesserr.Wrap(sesserr.MediaUnavailable, err, "prepare image").Retry())
				return true
			}
		}
	case StatusImageReady:
		// Manual loaders are done once the image is in place; incremental
		// ones keep serving page reads and outlive the handshake.
		if bd.params.Manual {
			_ = bd.ctrl.Destroy(context.Background())
		}
		log.Info("loader image ready", zap.Int("session_id", bd.target.ID()))
		bd.target.OnImageReady()
		return true
	case StatusImageNotReady:
		bd.fail(sesserr.New(sesserr.MediaUnavailable, "loader reported image not ready"))
		return true
	case StatusUnavailable:
		// Transient: the client may retry the commit, which binds anew.
		bd.fail(sesserr.New(sesserr.MediaUnavailable, "loader unavailable").Retry())
		return true
	case StatusUnrecoverable:
		bd.fail(sesserr.New(sesserr.MediaUnavailable, "loader unrecoverable"))
		return true
	}
	return false
}

func (bd *binding) fail(cause *sesserr.Error) {
	_ = bd.ctrl.Destroy(context.Background())
	bd.target.OnLoaderFailure(cause)
}
