package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenRecordVersionV1 = 1
)

var (
	ErrTokenNotFound         = errors.New("account token not found")
	ErrTokenSecretMismatch   = errors.New("account token secret mismatch")
	ErrTokenAttemptsExceeded = errors.New("account token attempts exceeded")
	ErrTokenRedisUnavailable = errors.New("account token redis unavailable")
)

// Purpose separates tokens minted for different flows. A token is only
// accepted by the flow it was minted for.
type Purpose uint8

const (
	PurposeEmailVerification Purpose = iota + 1
	PurposePasswordReset
)

func (p Purpose) String() string {
	switch p {
	case PurposeEmailVerification:
		return "verify"
	case PurposePasswordReset:
		return "reset"
	default:
		return "unknown"
	}
}

type TokenRecord struct {
	Purpose    Purpose
	UserID     string
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

// TokenStore keeps TokenRecords under prefix:purpose:id.
type TokenStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewTokenStore(redisClient redis.UniversalClient, prefix string) *TokenStore {
	return NewTokenStoreWithClock(redisClient, prefix, time.Now)
}

func NewTokenStoreWithClock(redisClient redis.UniversalClient, prefix string, now func() time.Time) *TokenStore {
	if prefix == "" {
		prefix = "acct"
	}
	if now == nil {
		now = time.Now
	}
	return &TokenStore{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *TokenStore) key(purpose Purpose, id string) string {
	return s.prefix + ":" + purpose.String() + ":" + id
}

// Save stores record until its ExpiresAt.
func (s *TokenStore) Save(ctx context.Context, id string, record *TokenRecord) error {
	ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
	if ttl <= 0 {
		return errors.New("account token already expired")
	}
	encoded, err := encodeTokenRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(record.Purpose, id), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRedisUnavailable, err)
	}
	return nil
}

// Consume checks providedHash against the record and deletes it on a match.
// After maxAttempts mismatches the record is deleted and
// ErrTokenAttemptsExceeded is returned.
func (s *TokenStore) Consume(
	ctx context.Context,
	purpose Purpose,
	id string,
	providedHash [32]byte,
	maxAttempts int,
) (*TokenRecord, error) {
	const maxRetries = 4
	key := s.key(purpose, id)

	for i := 0; i < maxRetries; i++ {
		var matched *TokenRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrTokenNotFound
				}
				return err
			}

			record, err := decodeTokenRecord(data)
			if err != nil {
				return deleteThen(ctx, tx, key, ErrTokenNotFound)
			}

			now := s.now()
			if now.Unix() >= record.ExpiresAt {
				return deleteThen(ctx, tx, key, ErrTokenNotFound)
			}
			if record.Purpose != purpose {
				return deleteThen(ctx, tx, key, ErrTokenSecretMismatch)
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					return deleteThen(ctx, tx, key, ErrTokenAttemptsExceeded)
				}

				updated, err := encodeTokenRecord(record)
				if err != nil {
					return err
				}
				ttl := time.Unix(record.ExpiresAt, 0).Sub(now)
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrTokenSecretMismatch
			}

			if err := deleteThen(ctx, tx, key, nil); err != nil {
				return err
			}
			matched = record
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenSecretMismatch), errors.Is(err, ErrTokenAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrTokenRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrTokenNotFound
}

// Get returns the live record without consuming it.
func (s *TokenStore) Get(ctx context.Context, purpose Purpose, id string) (*TokenRecord, error) {
	data, err := s.redis.Get(ctx, s.key(purpose, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenRedisUnavailable, err)
	}

	record, err := decodeTokenRecord(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= record.ExpiresAt {
		return nil, ErrTokenNotFound
	}
	return record, nil
}

// Delete removes a record. Missing records are not an error.
func (s *TokenStore) Delete(ctx context.Context, purpose Purpose, id string) error {
	if err := s.redis.Del(ctx, s.key(purpose, id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRedisUnavailable, err)
	}
	return nil
}

// deleteThen removes key inside tx and returns result.
func deleteThen(ctx context.Context, tx *redis.Tx, key string, result error) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

func encodeTokenRecord(record *TokenRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(tokenRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("account token user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeTokenRecord(data []byte) (*TokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != tokenRecordVersionV1 {
		return nil, errors.New("invalid account token version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &TokenRecord{
		Purpose: Purpose(purpose),
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}

	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	record.UserID = string(userID)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in account token")
	}

	return record, nil
}
