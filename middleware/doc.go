// Package middleware guards net/http handlers with the access tokens minted
// by a strategy's RefreshToken.
//
//   - [RequireAccess] verifies the bearer token and stores its claims.
//   - [RequireRole] admits a fixed set of roles.
//   - [RejectDemo] keeps demo accounts away from routes that change real data.
//
// Token verification is delegated to a [TokenParser], normally the
// *jwt.Manager returned by authchain.NewTokenIssuer.
package middleware
