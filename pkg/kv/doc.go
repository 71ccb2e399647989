// Package kv layers typed access on top of a broker key-value bucket.
//
// A Store wraps one broker.KeyValue with codec-aware reads and writes,
// batch helpers, compare-and-swap retries, and pull-style watchers:
//
//	store := kv.New(bucket, kv.Options{BucketTTL: 30 * time.Second})
//	defer store.Close()
//
//	rev, err := store.PutValue(ctx, "widgets.w1", widget, kv.PutOptions{})
//	entry, err := store.GetValue(ctx, "widgets.w1", &widget)
//
// Writes honor PutOptions: Create fails on an existing key, Revision
// turns the put into a compare-and-swap, TTL bounds the key's lifetime.
// Reads auto-detect the wire format, so msgpack and JSON writers can
// share a bucket.
//
// Watchers replay current entries and then stream puts, deletes and
// expirations. On backends whose watch streams cannot carry expired
// events the Store runs a scanner that synthesizes them from the bucket
// TTL, so expiry is observable everywhere. Watch restart from a known
// revision is supported for consumers that checkpoint.
package kv
