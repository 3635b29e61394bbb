package mfastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type methodRow struct {
	ID          string     `gorm:"type:varchar(36);primaryKey"`
	UserID      string     `gorm:"type:varchar(255);index;not null"`
	Type        string     `gorm:"type:varchar(10);not null"`
	Name        string     `gorm:"type:varchar(100)"`
	Enabled     bool       `gorm:"not null"`
	Primary     bool       `gorm:"column:is_primary;not null"`
	Destination string     `gorm:"type:varchar(255)"`
	Secret      string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"index"`
	LastUsedAt  *time.Time
}

func (methodRow) TableName() string { return "mfa_methods" }

type backupCodeRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_backup_user_hash"`
	CodeHash  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_backup_user_hash"`
	CreatedAt time.Time
}

func (backupCodeRow) TableName() string { return "mfa_backup_codes" }

type deviceRow struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	UserID     string    `gorm:"type:varchar(255);index;not null"`
	Name       string    `gorm:"type:varchar(200)"`
	DeviceType string    `gorm:"type:varchar(20)"`
	Browser    string    `gorm:"type:varchar(50)"`
	Location   string    `gorm:"type:varchar(200)"`
	IPAddress  string    `gorm:"type:varchar(64)"`
	TokenHash  string    `gorm:"type:varchar(64);not null"`
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time `gorm:"index"`
	Active     bool      `gorm:"not null"`
}

func (deviceRow) TableName() string { return "mfa_trusted_devices" }

type historyRow struct {
	Seq           uint      `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"type:varchar(36);uniqueIndex;not null"`
	UserID        string    `gorm:"type:varchar(255);index:idx_history_user_time;not null"`
	Timestamp     time.Time `gorm:"column:occurred_at;index:idx_history_user_time"`
	IPAddress     string    `gorm:"type:varchar(64)"`
	Location      string    `gorm:"type:varchar(200)"`
	Device        string    `gorm:"type:varchar(200)"`
	Strategy      string    `gorm:"type:varchar(50)"`
	Success       bool
	MFAUsed       bool   `gorm:"column:mfa_used"`
	FailureReason string `gorm:"type:varchar(100)"`
}

func (historyRow) TableName() string { return "login_history" }

// Models lists every table GormStore owns, for callers that run their own
// migrations.
func Models() []any {
	return []any{&methodRow{}, &backupCodeRow{}, &deviceRow{}, &historyRow{}}
}

// GormStore is an authchain.MFAStore over any gorm dialect.
type GormStore struct {
	db *gorm.DB
}

// New migrates the MFA tables and returns a store on db.
func New(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("mfastore: nil database")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("mfastore: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

/*
====================================
METHODS
====================================
*/

func (s *GormStore) ListMethods(ctx context.Context, userID string) ([]authchain.MFAMethod, error) {
	var rows []methodRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mfastore: list methods: %w", err)
	}
	out := make([]authchain.MFAMethod, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMethod())
	}
	return out, nil
}

func (s *GormStore) GetMethod(ctx context.Context, userID, methodID string) (*authchain.MFAMethod, error) {
	var row methodRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", methodID, userID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authchain.ErrMethodNotFound
		}
		return nil, fmt.Errorf("mfastore: get method: %w", err)
	}
	m := row.toMethod()
	return &m, nil
}

// SaveMethod inserts or replaces the method by ID.
func (s *GormStore) SaveMethod(ctx context.Context, method authchain.MFAMethod) error {
	row := methodFrom(method)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mfastore: save method: %w", err)
	}
	return nil
}

// DeleteMethod removes a method. Missing methods are not an error.
func (s *GormStore) DeleteMethod(ctx context.Context, userID, methodID string) error {
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", methodID, userID).Delete(&methodRow{}).Error
	if err != nil {
		return fmt.Errorf("mfastore: delete method: %w", err)
	}
	return nil
}

// SetPrimary makes methodID the only primary method of userID. An empty
// methodID clears the primary flag.
func (s *GormStore) SetPrimary(ctx context.Context, userID, methodID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&methodRow{}).
			Where("user_id = ? AND is_primary = ?", userID, true).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		if methodID == "" {
			return nil
		}
		res := tx.Model(&methodRow{}).
			Where("id = ? AND user_id = ?", methodID, userID).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return authchain.ErrMethodNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, authchain.ErrMethodNotFound) {
			return err
		}
		return fmt.Errorf("mfastore: set primary: %w", err)
	}
	return nil
}

/*
====================================
BACKUP CODES
====================================
*/

// ReplaceBackupCodes swaps the whole code set of userID. nil clears it.
func (s *GormStore) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&backupCodeRow{}).Error; err != nil {
			return err
		}
		if len(hashes) == 0 {
			return nil
		}
		now := time.Now().UTC()
		rows := make([]backupCodeRow, 0, len(hashes))
		for _, h := range hashes {
			rows = append(rows, backupCodeRow{UserID: userID, CodeHash: h, CreatedAt: now})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("mfastore: replace backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching code. The single DELETE makes
// concurrent redemption of one code succeed at most once.
func (s *GormStore) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND code_hash = ?", userID, hash).
		Delete(&backupCodeRow{})
	if res.Error != nil {
		return false, fmt.Errorf("mfastore: consume backup code: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&backupCodeRow{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("mfastore: count backup codes: %w", err)
	}
	return int(n), nil
}

/*
====================================
TRUSTED DEVICES
====================================
*/

func (s *GormStore) SaveTrustedDevice(ctx context.Context, device authchain.TrustedDevice) error {
	row := deviceFrom(device)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mfastore: save trusted device: %w", err)
	}
	return nil
}

func (s *GormStore) GetTrustedDevice(ctx context.Context, userID, deviceID string) (*authchain.TrustedDevice, error) {
	var row deviceRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", deviceID, userID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authchain.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("mfastore: get trusted device: %w", err)
	}
	d := row.toDevice()
	return &d, nil
}

// ListTrustedDevices returns active and expired devices, newest first.
func (s *GormStore) ListTrustedDevices(ctx context.Context, userID string) ([]authchain.TrustedDevice, error) {
	var rows []deviceRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mfastore: list trusted devices: %w", err)
	}
	out := make([]authchain.TrustedDevice, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDevice())
	}
	return out, nil
}

func (s *GormStore) DeleteTrustedDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", deviceID, userID).Delete(&deviceRow{})
	if res.Error != nil {
		return false, fmt.Errorf("mfastore: delete trusted device: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PurgeExpiredDevices deletes device records that expired before cutoff.
// Expired devices are otherwise kept for display.
func (s *GormStore) PurgeExpiredDevices(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff.UTC()).Delete(&deviceRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("mfastore: purge devices: %w", res.Error)
	}
	return res.RowsAffected, nil
}

/*
====================================
LOGIN HISTORY
====================================
*/

func (s *GormStore) AppendLoginHistory(ctx context.Context, entry authchain.LoginHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	row := historyFrom(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("mfastore: append login history: %w", err)
	}
	return nil
}

// ListLoginHistory returns the newest entries first. limit <= 0 returns all.
func (s *GormStore) ListLoginHistory(ctx context.Context, userID string, limit int) ([]authchain.LoginHistoryEntry, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("occurred_at DESC").Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []historyRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mfastore: list login history: %w", err)
	}
	out := make([]authchain.LoginHistoryEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntry())
	}
	return out, nil
}

/*
====================================
ROW MAPPING
====================================
*/

func methodFrom(m authchain.MFAMethod) methodRow {
	row := methodRow{
		ID:          m.ID,
		UserID:      m.UserID,
		Type:        string(m.Type),
		Name:        m.Name,
		Enabled:     m.Enabled,
		Primary:     m.Primary,
		Destination: m.Destination,
		Secret:      m.Secret,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.LastUsedAt != nil {
		t := m.LastUsedAt.UTC()
		row.LastUsedAt = &t
	}
	return row
}

func (r *methodRow) toMethod() authchain.MFAMethod {
	m := authchain.MFAMethod{
		ID:          r.ID,
		UserID:      r.UserID,
		Type:        authchain.MethodType(r.Type),
		Name:        r.Name,
		Enabled:     r.Enabled,
		Primary:     r.Primary,
		Destination: r.Destination,
		Secret:      r.Secret,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.LastUsedAt != nil {
		t := r.LastUsedAt.UTC()
		m.LastUsedAt = &t
	}
	return m
}

func deviceFrom(d authchain.TrustedDevice) deviceRow {
	return deviceRow{
		ID:         d.ID,
		UserID:     d.UserID,
		Name:       d.Name,
		DeviceType: d.DeviceType,
		Browser:    d.Browser,
		Location:   d.Location,
		IPAddress:  d.IPAddress,
		TokenHash:  d.TokenHash,
		CreatedAt:  d.CreatedAt.UTC(),
		LastUsedAt: d.LastUsedAt.UTC(),
		ExpiresAt:  d.ExpiresAt.UTC(),
		Active:     d.Active,
	}
}

func (r *deviceRow) toDevice() authchain.TrustedDevice {
	return authchain.TrustedDevice{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		DeviceType: r.DeviceType,
		Browser:    r.Browser,
		Location:   r.Location,
		IPAddress:  r.IPAddress,
		TokenHash:  r.TokenHash,
		CreatedAt:  r.CreatedAt.UTC(),
		LastUsedAt: r.LastUsedAt.UTC(),
		ExpiresAt:  r.ExpiresAt.UTC(),
		Active:     r.Active,
	}
}

func historyFrom(e authchain.LoginHistoryEntry) historyRow {
	return historyRow{
		ID:            e.ID,
		UserID:        e.UserID,
		Timestamp:     e.Timestamp.UTC(),
		IPAddress:     e.IPAddress,
		Location:      e.Location,
		Device:        e.Device,
		Strategy:      e.Strategy,
		Success:       e.Success,
		MFAUsed:       e.MFAUsed,
		FailureReason: e.FailureReason,
	}
}

func (r *historyRow) toEntry() authchain.LoginHistoryEntry {
	return authchain.LoginHistoryEntry{
		ID:            r.ID,
		UserID:        r.UserID,
		Timestamp:     r.Timestamp.UTC(),
		IPAddress:     r.IPAddress,
		Location:      r.Location,
		Device:        r.Device,
		Strategy:      r.Strategy,
		Success:       r.Success,
		MFAUsed:       r.MFAUsed,
		FailureReason: r.FailureReason,
	}
}

var _ authchain.MFAStore = (*GormStore)(nil)
