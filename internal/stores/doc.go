// Package stores holds single-use account tokens (email verification and
// password reset) in Redis.
//
// Records are versioned binary blobs with an absolute expiry. Consume runs in
// a WATCH/MULTI transaction and retries on contention: a matching secret
// deletes the record, a mismatch counts an attempt, and the record is dropped
// once the attempt budget is spent. Secrets are stored only as SHA-256 hashes
// and compared in constant time.
//
// This package does not mint tokens or send mail; callers do both.
package stores
