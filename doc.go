// Package authchain orchestrates an ordered chain of authentication strategies and
// layers multi-factor verification, backup codes and device trust on top of it.
//
// A [Provider] holds strategies in priority order. Login tries them one at a time and
// the first success wins; failures from individual strategies are logged and never
// surface on their own. When an [MFAManager] is attached and the winning user has
// enabled second factors, the login is held uncommitted until a [Challenge] succeeds
// or the device presents a valid trust token.
//
// # Architecture boundaries
//
// authchain is the public surface. It exposes [Provider], [Builder], [Config],
// [MFAManager], [Enrollment], [Challenge] and the value types they exchange. Concrete
// strategies live in strategy/, credential adapters in credential/, MFA persistence in
// mfastore/ and key-scoped session persistence in session/.
//
// # What this package must NOT do
//
//   - Read or write strategy session records itself (each strategy owns its scope).
//   - Implement OTP cryptography (TOTP comes from github.com/pquerna/otp).
//   - Import strategy/, credential/ or mfastore/ (they import authchain).
//
// # Concurrency
//
// Provider, MFAManager, Enrollment and Challenge are safe for concurrent use. Strategy
// calls are strictly sequential; there are no parallel login attempts.
package authchain
