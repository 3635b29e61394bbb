// Package internal contains helper utilities that are private to authchain,
// including secure random generation, secret hashing and user-agent
// classification for trusted devices.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//
// # What this package must NOT do
//
//   - Export types that appear in the public authchain API.
//   - Be imported by any package outside the authchain module.
package internal
