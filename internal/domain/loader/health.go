package loader

import (
	"time"

	"github.com/packagesmith/installd/internal/infrastructure/config"
	"github.com/packagesmith/installd/internal/shared/sesserr"
)

// HealthStatus is the backing storage's condition as polled from the
// loader. Blocked and Unhealthy open grace windows before the handshake is
// declared failed.
type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthReadsPending
	HealthBlocked
	HealthUnhealthy
)

// String returns the string representation of the health status.
func (h HealthStatus) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthReadsPending:
		return "reads_pending"
	case HealthBlocked:
		return "blocked"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// healthMonitor polls storage health and fires once when a degraded
// condition outlives its grace window. Recovery before the deadline resets
// the window. System-trusted loaders may legitimately block on page reads,
// so their unhealthy deadline never arms.
type healthMonitor struct {
	cfg           config.LoaderConfig
	systemTrusted bool
	quit          chan struct{}
}

func newHealthMonitor(cfg config.LoaderConfig, systemTrusted bool) *healthMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BlockedGrace <= 0 {
		cfg.BlockedGrace = 2 * time.Second
	}
	if cfg.UnhealthyGrace <= 0 {
		cfg.UnhealthyGrace = 7 * time.Second
	}
	return &healthMonitor{cfg: cfg, systemTrusted: systemTrusted, quit: make(chan struct{})}
}

// watch starts polling ctrl and returns a channel that delivers at most one
// failure.
func (m *healthMonitor) watch(ctrl Control) <-chan *sesserr.Error {
	out := make(chan *sesserr.Error, 1)
	go m.poll(ctrl, out)
	return out
}

func (m *healthMonitor) stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

func (m *healthMonitor) poll(ctrl Control, out chan<- *sesserr.Error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var deadline time.Time
	var degraded HealthStatus

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		st := ctrl.Health()
		switch st {
		case HealthOK, HealthReadsPending:
			deadline = time.Time{}
			degraded = HealthOK
		case HealthBlocked:
			if degraded != HealthBlocked {
				degraded = HealthBlocked
				deadline = time.Now().Add(m.cfg.BlockedGrace)
			}
		case HealthUnhealthy:
			if m.systemTrusted {
				continue
			}
			if degraded != HealthUnhealthy {
				degraded = HealthUnhealthy
				deadline = time.Now().Add(m.cfg.UnhealthyGrace)
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			out <- sesserr.New(sesserr.StorageUnavailable,
				"loader storage %s beyond grace window", degraded).Retry()
			return
		}
	}
}
