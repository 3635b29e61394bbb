// Package credential adapts identity backends to authchain.CredentialStore.
//
//   - [DemoStore] holds a fixed set of demo accounts with Argon2id hashes.
//   - [DBStore] keeps accounts in a SQL database through gorm and issues
//     single-use email verification and password reset tokens from Redis.
//   - [HostedStore] signs in against a hosted OAuth2/OIDC provider with the
//     resource-owner password grant and verifies the returned ID token.
//   - [LDAPStore] binds against a corporate directory.
//
// Every adapter reports wrong credentials as authchain.ErrInvalidCredentials
// or authchain.ErrUserNotFound and backend outages wrapped in
// authchain.ErrStrategyUnavailable, so a strategy can tell a failed login
// from a broken backend.
package credential
