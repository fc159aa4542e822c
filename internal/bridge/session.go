// Package bridge exposes a small LAN API for handheld devices: inventory
// lookups, stock counts, and POS scans, authenticated by a paired token.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken indicates a missing, revoked, or expired device token.
var ErrInvalidToken = errors.New("bridge: invalid device token")

const (
	tokenKeyPrefix  = "bridge:token:"
	deviceKeyPrefix = "bridge:device:"
)

// Session describes one paired device.
type Session struct {
	Token    string    `json:"token"`
	Device   string    `json:"device"`
	PairedAt time.Time `json:"pairedAt"`
}

// SessionManager stores device tokens in Redis with a TTL. A device holds at
// most one live token; pairing again revokes the previous one.
type SessionManager struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSessionManager constructs SessionManager.
func NewSessionManager(rdb *redis.Client, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionManager{rdb: rdb, ttl: ttl}
}

// Pair issues a fresh token for the device, revoking any previous one.
func (m *SessionManager) Pair(ctx context.Context, device string) (Session, error) {
	if device == "" {
		return Session{}, errors.New("bridge: device name required")
	}
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}

	old, err := m.rdb.Get(ctx, deviceKeyPrefix+device).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("bridge: pair: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	if old != "" {
		pipe.Del(ctx, tokenKeyPrefix+old)
	}
	pipe.Set(ctx, tokenKeyPrefix+token, device, m.ttl)
	pipe.Set(ctx, deviceKeyPrefix+device, token, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("bridge: pair: %w", err)
	}
	return Session{Token: token, Device: device, PairedAt: time.Now().UTC()}, nil
}

// Validate resolves a token to its device name.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	device, err := m.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("bridge: validate: %w", err)
	}
	return device, nil
}

// Revoke invalidates the device's token immediately.
func (m *SessionManager) Revoke(ctx context.Context, device string) error {
	token, err := m.rdb.Get(ctx, deviceKeyPrefix+device).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("bridge: revoke: %w", err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, tokenKeyPrefix+token)
	pipe.Del(ctx, deviceKeyPrefix+device)
	_, err = pipe.Exec(ctx)
	return err
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
