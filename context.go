package authchain

import (
	"context"

	"github.com/MrEthical07/authchain/session"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type locationContextKey struct{}
type deviceNameContextKey struct{}
type deviceStoreContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It is recorded on
// trusted devices, login history and audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the client User-Agent to ctx. Trusted devices derive
// their type and browser from it.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithLocation attaches a coarse location ("Berlin, DE") to ctx.
func WithLocation(ctx context.Context, location string) context.Context {
	return context.WithValue(ctx, locationContextKey{}, location)
}

// WithDeviceName attaches a human-readable device name to ctx. It names the
// TrustedDevice minted when the user trusts this device.
func WithDeviceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, deviceNameContextKey{}, name)
}

// WithDeviceStore attaches the calling device's trust-token store to ctx. It
// overrides the MFA manager's default device store for this call, which lets
// one server-side manager serve many devices.
func WithDeviceStore(ctx context.Context, store session.Store) context.Context {
	return context.WithValue(ctx, deviceStoreContextKey{}, store)
}

func deviceStoreFromContext(ctx context.Context) session.Store {
	if ctx == nil {
		return nil
	}
	store, _ := ctx.Value(deviceStoreContextKey{}).(session.Store)
	return store
}

func stringFromContext(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func clientIPFromContext(ctx context.Context) string {
	return stringFromContext(ctx, clientIPContextKey{})
}

func userAgentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userAgentContextKey{})
}

func locationFromContext(ctx context.Context) string {
	return stringFromContext(ctx, locationContextKey{})
}

func deviceNameFromContext(ctx context.Context) string {
	return stringFromContext(ctx, deviceNameContextKey{})
}
