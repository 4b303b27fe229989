// Package nostr implements the NIP-01 wire codec: event ids, Schnorr
// signatures, protocol envelopes, filter matching and relay URL handling.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-sync/internal/types"
)

// marshalNoEscape encodes v as JSON without escaping <, > and &.
// Relays hash the unescaped form, so escaping would change event ids.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	// Encoder.Encode adds a trailing newline, remove it
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Serialize returns the canonical NIP-01 serialization
// [0, pubkey, created_at, kind, tags, content] that the event id commits to.
func Serialize(evt *types.Event) []byte {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data, _ := marshalNoEscape([]interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		tags,
		evt.Content,
	})
	return data
}

// ComputeID returns the hex sha256 of the event's canonical serialization
func ComputeID(evt *types.Event) string {
	hash := sha256.Sum256(Serialize(evt))
	return hex.EncodeToString(hash[:])
}

// Sign produces a hex BIP-340 signature over an event id
func Sign(id string, key *btcec.PrivateKey) (string, error) {
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(key, idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignature verifies a hex Schnorr signature over an event id
func VerifySignature(id, sig, pubkey string) bool {
	if len(sig) != 128 || len(pubkey) != 64 || len(id) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(pubkey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return false
	}

	parsedSig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return parsedSig.Verify(idBytes, pubKey)
}

// Verify checks that the event id matches its content and that the signature
// is valid for the event's pubkey. Events failing Verify are never delivered.
func Verify(evt *types.Event) bool {
	if evt == nil || evt.ID == "" {
		return false
	}
	if ComputeID(evt) != evt.ID {
		return false
	}
	return VerifySignature(evt.ID, evt.Sig, evt.PubKey)
}

// Verifier checks events received from the network
type Verifier func(evt *types.Event) bool

// IsHex64 reports whether s is a 64 character lowercase hex string
// (the shape of event ids and pubkeys).
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
