package authchain

import (
	"strings"

	"github.com/MrEthical07/authchain/internal"
)

const backupCodeDigits = 8

// BackupCodeCount is the size of every backup code set.
const BackupCodeCount = 10

// newBackupCodes returns count distinct display codes and their hashes bound to
// userID, in matching order.
func newBackupCodes(userID string, count int) ([]string, []string, error) {
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)

	for len(codes) < count {
		raw, err := internal.NewOTP(backupCodeDigits)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		codes = append(codes, formatBackupCode(raw))
		hashes = append(hashes, backupCodeHash(userID, raw))
	}

	return codes, hashes, nil
}

// formatBackupCode renders 12345678 as 1234-5678.
func formatBackupCode(code string) string {
	if len(code) != backupCodeDigits {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// canonicalizeBackupCode strips separators and whitespace a user may type.
func canonicalizeBackupCode(code string) string {
	s := strings.TrimSpace(code)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func isBackupCodeFormat(canonical string) bool {
	return len(canonical) == backupCodeDigits && isNumericString(canonical)
}

func backupCodeHash(userID, canonicalCode string) string {
	return internal.HashSecret(userID + "\x00" + canonicalCode)
}
