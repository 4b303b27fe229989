package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// NIP-19 TLV types
const (
	tlvSpecial = 0
	tlvRelay   = 1
)

// Profile pointer decoded from an nprofile
type ProfilePointer struct {
	PubKey string
	Relays []string
}

// EncodeNpub encodes a hex pubkey as npub
func EncodeNpub(pubkeyHex string) (string, error) {
	return encodeKey("npub", pubkeyHex)
}

// EncodeNote encodes a hex event id as note
func EncodeNote(idHex string) (string, error) {
	return encodeKey("note", idHex)
}

func encodeKey(hrp, keyHex string) (string, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("nostr: encode %s: need 32 hex bytes", hrp)
	}
	return bech32.EncodeFromBase256(hrp, raw)
}

// decode verifies the checksum and returns the hrp and 8-bit payload
func decode(s string) (string, []byte, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return "", nil, fmt.Errorf("nostr: bech32: %w", err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("nostr: bech32: %w", err)
	}
	return hrp, raw, nil
}

// DecodeProfile decodes an nprofile, reading only the pubkey and relay hints
func DecodeProfile(s string) (*ProfilePointer, error) {
	hrp, raw, err := decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != "nprofile" {
		return nil, fmt.Errorf("nostr: expected nprofile, got %s", hrp)
	}

	p := &ProfilePointer{}
	for i := 0; i+2 <= len(raw); {
		typ, n := raw[i], int(raw[i+1])
		i += 2
		if i+n > len(raw) {
			break
		}
		value := raw[i : i+n]
		i += n

		switch typ {
		case tlvSpecial:
			if n == 32 {
				p.PubKey = hex.EncodeToString(value)
			}
		case tlvRelay:
			p.Relays = append(p.Relays, string(value))
		}
	}
	if p.PubKey == "" {
		return nil, errors.New("nostr: nprofile missing pubkey")
	}
	return p, nil
}

// ResolvePubKey accepts a hex pubkey, npub or nprofile and returns hex
func ResolvePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if IsHex64(s) {
		return s, nil
	}
	switch {
	case strings.HasPrefix(s, "npub1"):
		return decodeKey("npub", s)
	case strings.HasPrefix(s, "nprofile1"):
		p, err := DecodeProfile(s)
		if err != nil {
			return "", err
		}
		return p.PubKey, nil
	}
	return "", fmt.Errorf("nostr: %q is not a pubkey", s)
}

// ResolveEventID accepts a hex id or note and returns hex
func ResolveEventID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if IsHex64(s) {
		return s, nil
	}
	if strings.HasPrefix(s, "note1") {
		return decodeKey("note", s)
	}
	return "", fmt.Errorf("nostr: %q is not an event id", s)
}

// ResolvePrivateKey accepts a hex key or nsec and returns hex
func ResolvePrivateKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		return decodeKey("nsec", s)
	}
	if IsHex64(strings.ToLower(s)) {
		return strings.ToLower(s), nil
	}
	return "", errors.New("nostr: private key must be hex or nsec")
}

func decodeKey(want, s string) (string, error) {
	hrp, raw, err := decode(s)
	if err != nil {
		return "", err
	}
	if hrp != want {
		return "", fmt.Errorf("nostr: expected %s, got %s", want, hrp)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("nostr: %s payload is %d bytes", want, len(raw))
	}
	return hex.EncodeToString(raw), nil
}
