// Package mfastore persists second factors, backup codes, trusted devices and
// login history for authchain through gorm.
//
// [GormStore] implements authchain.MFAStore on any gorm dialect. [OpenSQLite]
// and [OpenPostgres] open the two dialects this module ships with; both run
// the table migrations before returning.
//
// Backup codes and trust tokens arrive already hashed. TOTP secrets are stored
// as given, so the database needs the same protection as any credential store.
package mfastore
