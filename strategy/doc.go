// Package strategy provides the stock authchain strategies: two demo
// strategies, a hosted one and an enterprise one.
//
// Every [Strategy] pairs an authchain.CredentialStore with one session.Store
// and one key in it. The constructors pin the store scope: the local demo,
// hosted and enterprise strategies need a durable store, while the production
// demo keeps its session only for the life of the process.
//
// Optional capabilities follow the credential store. Registration, password
// reset, profile persistence, email verification and token refresh are offered
// only when the store implements the matching authchain interface.
package strategy
