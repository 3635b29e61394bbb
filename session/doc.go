// Package session provides the key-scoped persistence port used by authentication
// strategies, device trust and pending one-time codes, plus the compact binary
// encoding for per-strategy session records.
//
// # Scopes
//
// A [Store] is either [ScopeDurable] (survives a restart: [RedisStore], [FileStore])
// or [ScopeEphemeral] (lost on restart: [MemoryStore]). Each strategy owns exactly one
// store and one key; stores never interpret the bytes they hold.
//
// # Binary encoding
//
// Session records use a versioned binary format (schema versions 1 and 2) with
// forward migration on read. New versions append fields and never reinterpret
// old ones.
//
// # What this package must NOT do
//
//   - Import authchain or any strategy package (no upward imports).
//   - Make authentication decisions.
//   - Store plaintext secrets in [Session] fields.
package session
