// Package cache implements a single-process, in-memory key–value cache with
// per-entry expiration and post-eviction callbacks.
//
// Goals for this package:
//   - Sliding and absolute expiration per entry, checked lazily on access and
//     proactively by a background sweeper
//   - Sharded storage so operations on unrelated keys do not contend
//   - Single-flight GetOrCreate: one factory invocation per cold key
//   - Eviction callbacks that fire exactly once per entry, outside every lock,
//     in order per key
//   - Own and cleanly stop long-lived goroutines (no leaks on shutdown)
package cache
