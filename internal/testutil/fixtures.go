// Package testutil provides shared test helpers such as the fake relay,
// signing keys and temp stores.
package testutil

import (
	"testing"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// NewSigner returns a signer with a fresh random key
func NewSigner(t *testing.T) *nostr.KeySigner {
	t.Helper()
	signer, err := nostr.GenerateKeySigner()
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// SignedEvent builds and signs an event
func SignedEvent(t *testing.T, signer nostr.Signer, kind int, createdAt int64, content string, tags ...[]string) *types.Event {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	evt := &types.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := signer.SignEvent(evt); err != nil {
		t.Fatal(err)
	}
	return evt
}

// ProfileEvent builds a signed kind 0 event with the given metadata JSON
func ProfileEvent(t *testing.T, signer nostr.Signer, createdAt int64, metadata string) *types.Event {
	t.Helper()
	return SignedEvent(t, signer, types.KindProfile, createdAt, metadata)
}

// RelayListEvent builds a signed kind 10002 event from "r" tags
func RelayListEvent(t *testing.T, signer nostr.Signer, createdAt int64, tags ...[]string) *types.Event {
	t.Helper()
	return SignedEvent(t, signer, types.KindRelayList, createdAt, "", tags...)
}
