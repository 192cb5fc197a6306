// Package resilience provides a circuit breaker for remote collaborator
// calls. The staging coordinator wraps module-activation round trips in a
// breaker so a down activation service fails staged verification fast
// instead of stacking up blocked background workers.
//
// States: closed (normal), open (failing fast after TripAfter consecutive
// failures), half-open (probing with up to MaxRequests calls after Timeout).
package resilience
