package cache

// isExpired reports whether e is stale at now (UnixNano).
//
// Deadlines are exclusive: an entry is expired at the deadline instant. The
// sliding deadline is last access + window, but the absolute deadline caps
// it, so access never keeps an entry alive past its absolute bound.
func isExpired[V any](e *entry[V], now int64) bool {
	if e.hasAbsolute && now >= e.absolute {
		return true
	}
	if e.sliding > 0 && now >= e.lastAccess.Load()+int64(e.sliding) {
		return true
	}
	return false
}

// nextDeadline returns the earliest instant at which e could become expired,
// given no further access. ok is false for entries that never expire.
func nextDeadline[V any](e *entry[V]) (deadline int64, ok bool) {
	if e.sliding > 0 {
		deadline = e.lastAccess.Load() + int64(e.sliding)
		ok = true
	}
	if e.hasAbsolute && (!ok || e.absolute < deadline) {
		deadline = e.absolute
		ok = true
	}
	return deadline, ok
}
