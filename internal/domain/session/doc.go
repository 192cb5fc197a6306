// Package session implements the install-session state machine: one
// in-progress install transaction that a client opens, streams files into,
// commits, and that installd seals, validates, and hands off to the
// installer (immediately, or after reboot via the staging coordinator).
//
// Lifecycle is strictly monotonic: open -> prepared -> sealed -> committed
// -> installing -> finished, with destruction as an orthogonal terminal
// abort reachable from any non-terminal point. All mutable state sits
// behind one mutex per session; cross-session structural changes (child
// linkage) go through a fail-fast compare-and-set transaction lock held on
// both participants.
//
// Multi-package groups commit atomically: every child validates before any
// installs, and one child's failure destroys all siblings and the parent
// with the first encountered error.
package session
