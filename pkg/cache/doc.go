// Package cache provides a bounded, thread-safe cache whose entries carry
// their own expiry.
//
// Entries are kept in insertion order. Expired entries are skipped by Get
// and removed by Sweep; when the cache is full Set sweeps first and then
// evicts the oldest entries. SetIfAbsent makes the cache usable as a seen
// set: it stores the key only when no live entry exists and reports whether
// it did.
//
//	seen, err := cache.New[struct{}](10000, cache.WithMetrics[struct{}](registry, "replay_A"))
//	if err != nil {
//	    return err
//	}
//	fresh, _ := seen.SetIfAbsent(spore.ID, struct{}{}, spore.ExpiresAt)
//	if !fresh {
//	    // already delivered
//	}
//
// Statistics are always collected; WithMetrics also exports them to a
// metric.MetricsRegistry.
package cache
