// Package monitoring exposes Prometheus metrics for installd: session
// lifecycle gauges and counters, commit outcomes, staged verification
// timing, and HTTP surface metrics via gin middleware. Scrape at /metrics.
package monitoring
