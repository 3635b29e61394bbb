package authchain

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authchain/internal"
	"github.com/MrEthical07/authchain/session"
)

// trustRecord is the device-local half of a trusted device. The server keeps
// only the token hash on the TrustedDevice.
type trustRecord struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *MFAManager) deviceStoreFor(ctx context.Context) session.Store {
	if store := deviceStoreFromContext(ctx); store != nil {
		return store
	}
	return m.deviceStore
}

func (m *MFAManager) loadTrustRecord(ctx context.Context, store session.Store) (*trustRecord, error) {
	data, err := store.Load(ctx, m.config.Trust.StorageKey)
	if err != nil {
		return nil, err
	}
	var rec trustRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Token == "" || rec.DeviceID == "" {
		_ = store.Delete(ctx, m.config.Trust.StorageKey)
		return nil, session.ErrNotFound
	}
	return &rec, nil
}

// issueTrust mints a token valid for Config.Trust.TTL, records the device and
// stores the token on this device. The record is written without a store TTL;
// expiry is decided against ExpiresAt at check time.
func (m *MFAManager) issueTrust(ctx context.Context, userID string) (*TrustedDevice, string, error) {
	token, err := internal.NewTrustToken()
	if err != nil {
		return nil, "", err
	}

	now := m.in.clock()
	info := internal.DescribeUserAgent(userAgentFromContext(ctx))
	name := deviceNameFromContext(ctx)
	if name == "" {
		name = info.Browser + " on " + info.Type
	}

	device := TrustedDevice{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		DeviceType: info.Type,
		Browser:    info.Browser,
		Location:   locationFromContext(ctx),
		IPAddress:  clientIPFromContext(ctx),
		TokenHash:  internal.HashSecret(token),
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(m.config.Trust.TTL),
		Active:     true,
	}
	if err := m.store.SaveTrustedDevice(ctx, device); err != nil {
		return nil, "", backendErr(err)
	}

	data, err := json.Marshal(trustRecord{
		Token:     token,
		DeviceID:  device.ID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: device.ExpiresAt,
	})
	if err != nil {
		return nil, "", err
	}
	if err := m.deviceStoreFor(ctx).Save(ctx, m.config.Trust.StorageKey, data, 0); err != nil {
		return nil, "", err
	}

	m.in.metricInc(MetricTrustIssued)
	m.in.emitAudit(ctx, auditEventTrustIssued, true, userID, "", nil, func() map[string]string {
		return map[string]string{auditKeyDeviceID: device.ID}
	})
	return &device, token, nil
}

// IsDeviceTrusted reports whether this device holds an unexpired trust token
// that still matches an active trusted device. Expired tokens are purged and
// their device is kept on record as inactive.
func (m *MFAManager) IsDeviceTrusted(ctx context.Context) bool {
	_, ok := m.trustedDevice(ctx, "")
	return ok
}

// trustedDevice resolves the device trust token. A non-empty userID also
// requires the token to belong to that user.
func (m *MFAManager) trustedDevice(ctx context.Context, userID string) (*TrustedDevice, bool) {
	if m == nil {
		return nil, false
	}
	store := m.deviceStoreFor(ctx)
	rec, err := m.loadTrustRecord(ctx, store)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("authchain: load trust token failed: %v", err)
		}
		return nil, false
	}
	if userID != "" && rec.UserID != userID {
		return nil, false
	}

	now := m.in.clock()
	if !now.Before(rec.ExpiresAt) {
		m.expireTrust(ctx, store, rec)
		return nil, false
	}

	device, err := m.store.GetTrustedDevice(ctx, rec.UserID, rec.DeviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			_ = store.Delete(ctx, m.config.Trust.StorageKey)
		} else {
			log.Printf("authchain: load trusted device failed: %v", err)
		}
		return nil, false
	}
	if !device.Active || !internal.EqualHash(device.TokenHash, internal.HashSecret(rec.Token)) {
		_ = store.Delete(ctx, m.config.Trust.StorageKey)
		return nil, false
	}
	if !now.Before(device.ExpiresAt) {
		m.expireTrust(ctx, store, rec)
		return nil, false
	}

	device.LastUsedAt = now
	if err := m.store.SaveTrustedDevice(ctx, *device); err != nil {
		log.Printf("authchain: touch trusted device failed: %v", err)
	}
	return device, true
}

func (m *MFAManager) expireTrust(ctx context.Context, store session.Store, rec *trustRecord) {
	if err := store.Delete(ctx, m.config.Trust.StorageKey); err != nil {
		log.Printf("authchain: purge expired trust token failed: %v", err)
	}

	device, err := m.store.GetTrustedDevice(ctx, rec.UserID, rec.DeviceID)
	if err == nil && device.Active {
		device.Active = false
		if err := m.store.SaveTrustedDevice(ctx, *device); err != nil {
			log.Printf("authchain: deactivate trusted device failed: %v", err)
		}
	}

	m.in.metricInc(MetricTrustExpired)
	m.in.emitAudit(ctx, auditEventTrustExpired, true, rec.UserID, "", nil, func() map[string]string {
		return map[string]string{auditKeyDeviceID: rec.DeviceID}
	})
}

// ListTrustedDevices returns the user's devices. Devices past their expiry are
// reported inactive even before a check purged them.
func (m *MFAManager) ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}
	devices, err := m.store.ListTrustedDevices(ctx, userID)
	if err != nil {
		return nil, backendErr(err)
	}
	now := m.in.clock()
	for i := range devices {
		if !now.Before(devices[i].ExpiresAt) {
			devices[i].Active = false
		}
		devices[i].TokenHash = ""
	}
	return devices, nil
}

// RemoveTrustedDevice forgets a device. A trust token on this device bound to
// it is purged as well. It reports false for unknown devices.
func (m *MFAManager) RemoveTrustedDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}
	removed, err := m.store.DeleteTrustedDevice(ctx, userID, deviceID)
	if err != nil {
		return false, backendErr(err)
	}

	store := m.deviceStoreFor(ctx)
	if rec, err := m.loadTrustRecord(ctx, store); err == nil && rec.DeviceID == deviceID {
		if err := store.Delete(ctx, m.config.Trust.StorageKey); err != nil {
			log.Printf("authchain: purge removed trust token failed: %v", err)
		}
	}

	if removed {
		m.in.metricInc(MetricTrustRevoked)
		m.in.emitAudit(ctx, auditEventTrustRevoked, true, userID, "", nil, func() map[string]string {
			return map[string]string{auditKeyDeviceID: deviceID}
		})
	}
	return removed, nil
}
