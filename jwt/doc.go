// Package jwt mints and verifies short-lived access tokens for sessions held by
// an authentication strategy, using Ed25519 or HS256 keys and strict validation.
package jwt
