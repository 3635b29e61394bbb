package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

const (
	sessionFormatVersionCurrent = 2
	sessionFormatVersionV1      = 1
)

const (
	flagEmailVerified byte = 1 << iota
	flagIsDemo
)

const maxMetadataEntries = 64

// Encode serializes s using the current schema version.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}

	var buf bytes.Buffer
	buf.WriteByte(sessionFormatVersionCurrent)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"strategy", s.Strategy},
		{"userID", s.UserID},
		{"email", s.Email},
		{"displayName", s.DisplayName},
		{"role", s.Role},
		{"avatarURL", s.AvatarURL},
	} {
		if err := writeString(&buf, field.value); err != nil {
			return nil, fmt.Errorf("%s: %w", field.name, err)
		}
	}

	if len(s.Metadata) > maxMetadataEntries {
		return nil, errors.New("metadata too large")
	}
	buf.WriteByte(byte(len(s.Metadata)))
	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeString(&buf, k); err != nil {
			return nil, fmt.Errorf("metadata key: %w", err)
		}
		if err := writeString(&buf, s.Metadata[k]); err != nil {
			return nil, fmt.Errorf("metadata value: %w", err)
		}
	}

	var flags byte
	if s.EmailVerified {
		flags |= flagEmailVerified
	}
	if s.IsDemo {
		flags |= flagIsDemo
	}
	buf.WriteByte(flags)

	for _, v := range []int64{s.UserCreatedAt, s.IssuedAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a record written by any supported schema version. Older
// versions are migrated to the current layout in memory.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionCurrent && version != sessionFormatVersionV1 {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	s := &Session{SchemaVersion: sessionFormatVersionCurrent}

	targets := []*string{&s.Strategy, &s.UserID, &s.Email, &s.DisplayName, &s.Role}
	if version >= 2 {
		targets = append(targets, &s.AvatarURL)
	}
	for _, target := range targets {
		if *target, err = readString(reader); err != nil {
			return nil, err
		}
	}

	if version >= 2 {
		count, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if count > maxMetadataEntries {
			return nil, errors.New("metadata too large")
		}
		if count > 0 {
			s.Metadata = make(map[string]string, count)
		}
		for i := 0; i < int(count); i++ {
			k, err := readString(reader)
			if err != nil {
				return nil, err
			}
			v, err := readString(reader)
			if err != nil {
				return nil, err
			}
			s.Metadata[k] = v
		}
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.EmailVerified = flags&flagEmailVerified != 0
	s.IsDemo = flags&flagIsDemo != 0

	for _, target := range []*int64{&s.UserCreatedAt, &s.IssuedAt, &s.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, target); err != nil {
			return nil, err
		}
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in session record")
	}

	return s, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.New("field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
