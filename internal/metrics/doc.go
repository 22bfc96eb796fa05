// Package metrics declares the Prometheus collectors exported by slidecache.
//
// Collectors are registered with the default registry on package load and
// labelled by cache name, so several caches can share one process.
package metrics
