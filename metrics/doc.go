// Package metrics exposes Prometheus collectors for the orchestrator.
//
// Collectors are registered on a dedicated registry rather than the global
// default one, so tests and multiple servers in one process never collide.
//
// Usage:
//
//	m := metrics.New()
//	m.ObserveResult("c", "ok", elapsed)
//	http.Handle("/metrics", m.Handler())
package metrics
