/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenIssuer mints and verifies the bearer tokens devices present after
// POST /auth. A token is base64("<device_id>:<expiry_unix>:<hmac_hex>")
// where hmac_hex = HMAC-SHA-256(secret, "<device_id>:<expiry_unix>").
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer returns an issuer keyed by secret. If secret is empty a
// fresh random secret is generated — this is the "rotating server-side
// secret" the sync boundary falls back to when none is configured, valid
// for the lifetime of this process.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate auth secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

func (t *TokenIssuer) sign(deviceID string, expiry int64) string {
	payload := fmt.Sprintf("%s:%d", deviceID, expiry)
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a token for deviceID valid for the issuer's TTL, returning
// the opaque bearer value and its lifetime in seconds.
func (t *TokenIssuer) Issue(deviceID string) (token string, expiresIn int64) {
	expiry := time.Now().Add(t.ttl).Unix()
	sig := t.sign(deviceID, expiry)
	raw := fmt.Sprintf("%s:%d:%s", deviceID, expiry, sig)
	return base64.StdEncoding.EncodeToString([]byte(raw)), int64(t.ttl.Seconds())
}

// Verify decodes token, checks expiry, and compares the HMAC in constant
// time, returning the device ID on success.
func (t *TokenIssuer) Verify(token string) (deviceID string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed token")
	}
	parts := strings.SplitN(string(decoded), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed token")
	}
	deviceID, expiryRaw, sig := parts[0], parts[1], parts[2]
	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed token")
	}
	if time.Now().Unix() > expiry {
		return "", fmt.Errorf("token expired")
	}
	expected := t.sign(deviceID, expiry)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", fmt.Errorf("invalid token signature")
	}
	return deviceID, nil
}
