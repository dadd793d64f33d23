// Package linkcodec turns stored-item references into opaque, URL-safe
// tokens and back. Tokens are HMAC-signed with durable keys so they
// survive process restarts and key rotations.
package linkcodec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Token kinds.
type Kind byte

const (
	KindSingle Kind = 1
	KindRange  Kind = 2
)

// Decoded is the result of decoding a token: one reference or an
// inclusive, ordered range of references in store order.
type Decoded struct {
	Kind  Kind
	Start int64
	End   int64
}

// Refs expands the decoded token against nothing but numeric store order.
// Callers resolving against the catalog should use the Start/End bounds
// directly so purged references are detected.
func (d Decoded) Refs() []int64 {
	if d.Kind == KindSingle {
		return []int64{d.Start}
	}
	refs := make([]int64, 0, d.End-d.Start+1)
	for ref := d.Start; ref <= d.End; ref++ {
		refs = append(refs, ref)
	}
	return refs
}

var (
	// ErrMalformedToken reports a token that fails structural or
	// integrity verification.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidRange reports a range token whose end precedes its start.
	ErrInvalidRange = errors.New("invalid token range")
	// ErrUnknownReference reports a well-formed token whose reference no
	// longer exists in the store. Raised by resolution, not by Decode.
	ErrUnknownReference = errors.New("unknown reference")
)

// Codec encodes and decodes link tokens against a keyring.
type Codec struct {
	ring *Keyring
}

func New(ring *Keyring) *Codec {
	return &Codec{ring: ring}
}

// EncodeSingle mints a token for one stored-item reference.
func (c *Codec) EncodeSingle(ref int64) (string, error) {
	if ref <= 0 {
		return "", fmt.Errorf("reference must be positive, got %d", ref)
	}
	payload := make([]byte, 0, 1+binary.MaxVarintLen64)
	payload = append(payload, byte(KindSingle))
	payload = binary.AppendUvarint(payload, uint64(ref))
	return c.seal(payload)
}

// EncodeRange mints a token for a contiguous range of references,
// inclusive on both ends.
func (c *Codec) EncodeRange(start, end int64) (string, error) {
	if start <= 0 || end <= 0 {
		return "", fmt.Errorf("references must be positive, got (%d,%d)", start, end)
	}
	if end < start {
		return "", ErrInvalidRange
	}
	payload := make([]byte, 0, 1+2*binary.MaxVarintLen64)
	payload = append(payload, byte(KindRange))
	payload = binary.AppendUvarint(payload, uint64(start))
	payload = binary.AppendUvarint(payload, uint64(end))
	return c.seal(payload)
}

// Decode verifies and unpacks a token. The token must carry a key id
// known to the ring and an intact signature over the payload.
func (c *Codec) Decode(token string) (Decoded, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Decoded{}, ErrMalformedToken
	}
	// layout: [keyIDLen byte][keyID][payload][mac]
	if len(raw) < 2+macLen {
		return Decoded{}, ErrMalformedToken
	}
	idLen := int(raw[0])
	if idLen == 0 || len(raw) < 1+idLen+1+macLen {
		return Decoded{}, ErrMalformedToken
	}
	keyID := string(raw[1 : 1+idLen])
	payload := raw[1+idLen : len(raw)-macLen]
	sig := raw[len(raw)-macLen:]
	if !c.ring.verify(keyID, payload, sig) {
		return Decoded{}, ErrMalformedToken
	}
	return unpack(payload)
}

func (c *Codec) seal(payload []byte) (string, error) {
	keyID := c.ring.PrimaryID()
	sig, ok := c.ring.sign(keyID, payload)
	if !ok {
		return "", fmt.Errorf("primary key %q missing from ring", keyID)
	}
	raw := make([]byte, 0, 1+len(keyID)+len(payload)+len(sig))
	raw = append(raw, byte(len(keyID)))
	raw = append(raw, keyID...)
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func unpack(payload []byte) (Decoded, error) {
	if len(payload) < 2 {
		return Decoded{}, ErrMalformedToken
	}
	kind := Kind(payload[0])
	rest := payload[1:]
	switch kind {
	case KindSingle:
		ref, n := binary.Uvarint(rest)
		if n <= 0 || n != len(rest) || ref == 0 {
			return Decoded{}, ErrMalformedToken
		}
		return Decoded{Kind: KindSingle, Start: int64(ref), End: int64(ref)}, nil
	case KindRange:
		start, n := binary.Uvarint(rest)
		if n <= 0 || start == 0 {
			return Decoded{}, ErrMalformedToken
		}
		end, m := binary.Uvarint(rest[n:])
		if m <= 0 || n+m != len(rest) || end == 0 {
			return Decoded{}, ErrMalformedToken
		}
		if end < start {
			return Decoded{}, ErrInvalidRange
		}
		return Decoded{Kind: KindRange, Start: int64(start), End: int64(end)}, nil
	default:
		return Decoded{}, ErrMalformedToken
	}
}
