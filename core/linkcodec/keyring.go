package linkcodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Keyring holds the durable signing keys. The primary key signs new
// tokens; every key on the ring verifies, so tokens minted before a key
// rotation keep decoding during the grace period.
type Keyring struct {
	primary string
	keys    map[string][]byte
}

// NewKeyring builds a keyring from named base64url (unpadded) secrets.
func NewKeyring(primary string, keys map[string]string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring requires at least one key")
	}
	if primary == "" {
		return nil, fmt.Errorf("keyring requires a primary key id")
	}
	decoded := make(map[string][]byte, len(keys))
	for id, secret := range keys {
		id = strings.TrimSpace(id)
		if id == "" || strings.ContainsRune(id, '.') {
			return nil, fmt.Errorf("invalid key id %q", id)
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", id, err)
		}
		if len(raw) < 16 {
			return nil, fmt.Errorf("key %s too short: need at least 16 bytes", id)
		}
		decoded[id] = raw
	}
	if _, ok := decoded[primary]; !ok {
		return nil, fmt.Errorf("primary key %q not on the ring", primary)
	}
	return &Keyring{primary: primary, keys: decoded}, nil
}

// PrimaryID returns the id of the signing key.
func (r *Keyring) PrimaryID() string { return r.primary }

func (r *Keyring) sign(keyID string, payload []byte) ([]byte, bool) {
	secret, ok := r.keys[keyID]
	if !ok {
		return nil, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(keyID))
	mac.Write(payload)
	return mac.Sum(nil)[:macLen], true
}

func (r *Keyring) verify(keyID string, payload, sig []byte) bool {
	expect, ok := r.sign(keyID, payload)
	if !ok {
		return false
	}
	return hmac.Equal(expect, sig)
}

const macLen = 16
