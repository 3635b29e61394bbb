// Package password hashes account secrets with Argon2id and verifies them in
// constant time. Hashes use the PHC string form
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// so parameters travel with each hash. When the configured cost rises,
// [Argon2.NeedsUpgrade] reports stale hashes and the credential store re-hashes
// them after the next successful login.
//
// Plaintext never leaves the call that received it. This package does not
// store accounts or log.
package password
