package nostr

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-sync/internal/types"
)

// Signer fills in pubkey, id and sig of an unsigned event
type Signer interface {
	PubKey() string
	SignEvent(evt *types.Event) error
}

// KeySigner signs events with a local secp256k1 private key
type KeySigner struct {
	privateKey *btcec.PrivateKey
	pubKey     string
}

// NewKeySigner creates a signer from a hex-encoded private key
func NewKeySigner(privKeyHex string) (*KeySigner, error) {
	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("nostr: decode private key: %w", err)
	}
	if len(privKeyBytes) != 32 {
		return nil, fmt.Errorf("nostr: private key must be 32 bytes, got %d", len(privKeyBytes))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return newKeySigner(privateKey), nil
}

// GenerateKeySigner creates a signer with a fresh random key
func GenerateKeySigner() (*KeySigner, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("nostr: generate key: %w", err)
	}
	return newKeySigner(privateKey), nil
}

func newKeySigner(privateKey *btcec.PrivateKey) *KeySigner {
	// Nostr pubkeys are x-only (BIP-340)
	pubKeyBytes := schnorr.SerializePubKey(privateKey.PubKey())
	return &KeySigner{
		privateKey: privateKey,
		pubKey:     hex.EncodeToString(pubKeyBytes),
	}
}

// PubKey returns the hex x-only public key
func (s *KeySigner) PubKey() string {
	return s.pubKey
}

// PrivateKeyHex returns the hex private key
func (s *KeySigner) PrivateKeyHex() string {
	return hex.EncodeToString(s.privateKey.Serialize())
}

// SignEvent sets pubkey, id and sig on the event
func (s *KeySigner) SignEvent(evt *types.Event) error {
	evt.PubKey = s.pubKey
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = ComputeID(evt)
	sig, err := Sign(evt.ID, s.privateKey)
	if err != nil {
		return fmt.Errorf("nostr: sign event: %w", err)
	}
	evt.Sig = sig
	return nil
}

// NewAuthEvent builds an unsigned NIP-42 authentication event for a relay challenge
func NewAuthEvent(relayURL, challenge string) *types.Event {
	return &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      types.KindClientAuthentication,
		Tags: [][]string{
			{"relay", relayURL},
			{"challenge", challenge},
		},
		Content: "",
	}
}
