// Package utils provides helper functions for offline-block hand-off tokens.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BlockClaims identifies the offline block a terminal is entitled to
// synchronize.  The token is issued together with the block reservation
// and presented back on merge, binding the sync call to the terminal
// that reserved the range.  Its lifetime is intentionally much longer
// than the block's 8-hour issuing window: a late merge of legitimate
// sales must still be possible.
type BlockClaims struct {
	TenantID   uint64 `json:"tenant_id"`
	ChannelID  string `json:"channel_id"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"`
	jwt.RegisteredClaims
}

// ErrBlockTokenInvalid is returned when a merge token does not verify or
// names a different block than the one being merged.
var ErrBlockTokenInvalid = errors.New("invalid block token")

// NewBlockToken builds and signs an HS256 JWT for a reserved block.  The
// ttl controls the synchronization window, not the issuing window.
func NewBlockToken(secret string, tenantID uint64, channelID string, rangeStart, rangeEnd int64, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := BlockClaims{
		TenantID:   tenantID,
		ChannelID:  channelID,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// VerifyBlockToken parses the token and checks that it was issued for the
// given tenant and channel.  Any mismatch, tampering or expiry yields
// ErrBlockTokenInvalid.
func VerifyBlockToken(secret, token string, tenantID uint64, channelID string) (*BlockClaims, error) {
	var claims BlockClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBlockTokenInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrBlockTokenInvalid
	}
	if claims.TenantID != tenantID || claims.ChannelID != channelID {
		return nil, ErrBlockTokenInvalid
	}
	return &claims, nil
}
