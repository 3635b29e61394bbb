package session

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"
)

func testSession() *Session {
	now := time.Now()
	return &Session{
		Strategy:      "local-demo",
		UserID:        "demo-user-001",
		Email:         "demo@innospot.com",
		DisplayName:   "Demo User",
		AvatarURL:     "https://example.com/a.png",
		Role:          "admin",
		EmailVerified: true,
		IsDemo:        true,
		UserCreatedAt: now.Add(-24 * time.Hour).Unix(),
		Metadata:      map[string]string{"company": "InnoSpot", "plan": "trial"},
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(time.Hour).Unix(),
	}
}

func encodeLegacyV1(t *testing.T, s *Session) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(sessionFormatVersionV1)
	for _, v := range []string{s.Strategy, s.UserID, s.Email, s.DisplayName, s.Role} {
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(v))); err != nil {
			t.Fatalf("write len: %v", err)
		}
		buf.WriteString(v)
	}
	var flags byte
	if s.EmailVerified {
		flags |= flagEmailVerified
	}
	buf.WriteByte(flags)
	for _, v := range []int64{s.UserCreatedAt, s.IssuedAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			t.Fatalf("write int: %v", err)
		}
	}
	return buf.Bytes()
}

func TestEncodeDecodePreservesUserFields(t *testing.T) {
	in := testSession()
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.SchemaVersion != sessionFormatVersionCurrent {
		t.Fatalf("expected schema version %d, got %d", sessionFormatVersionCurrent, out.SchemaVersion)
	}
	if out.UserID != in.UserID || out.Email != in.Email || out.AvatarURL != in.AvatarURL {
		t.Fatalf("identity fields changed: %+v", out)
	}
	if !out.IsDemo || !out.EmailVerified {
		t.Fatalf("flags not preserved: %+v", out)
	}
	if out.Metadata["company"] != "InnoSpot" || len(out.Metadata) != 2 {
		t.Fatalf("metadata not preserved: %v", out.Metadata)
	}
}

func TestEncodeIsDeterministicAcrossMetadataOrder(t *testing.T) {
	a := testSession()
	b := testSession()
	b.Metadata = map[string]string{"plan": "trial", "company": "InnoSpot"}

	da, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode a failed: %v", err)
	}
	db, err := Encode(b)
	if err != nil {
		t.Fatalf("Encode b failed: %v", err)
	}
	if !bytes.Equal(da, db) {
		t.Fatal("expected identical encodings for equal metadata")
	}
}

func TestDecodeMigratesLegacySchema(t *testing.T) {
	legacy := testSession()
	out, err := Decode(encodeLegacyV1(t, legacy))
	if err != nil {
		t.Fatalf("Decode legacy failed: %v", err)
	}
	if out.SchemaVersion != sessionFormatVersionCurrent {
		t.Fatalf("expected migrated schema version, got %d", out.SchemaVersion)
	}
	if out.UserID != legacy.UserID || out.Role != legacy.Role {
		t.Fatalf("legacy fields lost: %+v", out)
	}
	if out.AvatarURL != "" || out.Metadata != nil || out.IsDemo {
		t.Fatalf("expected zero values for fields added after v1: %+v", out)
	}
}

func TestDecodeRejectsUnsupportedSchemaVersion(t *testing.T) {
	_, err := Decode([]byte{99})
	if err == nil || !strings.Contains(err.Error(), "unsupported session schema version") {
		t.Fatalf("expected unsupported schema version error, got %v", err)
	}
}

func TestDecodeRejectsTruncatedAndTrailingData(t *testing.T) {
	data, err := Encode(testSession())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := Decode(data[:len(data)-3]); err == nil {
		t.Fatal("expected truncated record to fail")
	}
	if _, err := Decode(append(data, 0x01)); err == nil {
		t.Fatal("expected trailing bytes to fail")
	}
}

func TestEncodeRejectsOversizedMetadata(t *testing.T) {
	s := testSession()
	s.Metadata = make(map[string]string, maxMetadataEntries+1)
	for i := 0; i <= maxMetadataEntries; i++ {
		s.Metadata[strings.Repeat("k", i+1)] = "v"
	}
	if _, err := Encode(s); err == nil {
		t.Fatal("expected oversized metadata to be rejected")
	}
}
