// Package registry is the process-wide table of install sessions. It
// allocates session ids, enforces per-uid open-session quotas, resolves
// parent/child id references for multi-package groups, and persists
// session records across restarts through a pluggable Store.
package registry
