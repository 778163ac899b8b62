package core

import (
	"bytes"
	"testing"
)

func TestFriendcodeLongRoundTrip(t *testing.T) {
	want := FriendcodePayload{
		Version:             1,
		PeerID:              "12D3KooWExamplePeerID",
		SigningFingerprint:  "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		SigningPubKey:       bytes.Repeat([]byte{0x02}, 32),
		EncryptionPubKey:    bytes.Repeat([]byte{0x03}, 32),
		AdvertisedAddresses: []string{"/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWExamplePeerID"},
	}

	code, err := EncodeFriendcodeLong(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeFriendcode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.PeerID != want.PeerID || got.SigningFingerprint != want.SigningFingerprint {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if !bytes.Equal(got.SigningPubKey, want.SigningPubKey) {
		t.Fatalf("signing pubkey mismatch")
	}
	if !bytes.Equal(got.EncryptionPubKey, want.EncryptionPubKey) {
		t.Fatalf("encryption pubkey mismatch")
	}
	if len(got.AdvertisedAddresses) != 1 || got.AdvertisedAddresses[0] != want.AdvertisedAddresses[0] {
		t.Fatalf("addresses mismatch: %+v", got.AdvertisedAddresses)
	}
}

func TestFriendcodeShortRoundTrip(t *testing.T) {
	peerID := "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234"[:64]
	fingerprint := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"

	code, err := EncodeFriendcodeShort(peerID, fingerprint)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeFriendcode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PeerID != peerID {
		t.Fatalf("peer id mismatch: got %s want %s", got.PeerID, peerID)
	}
	if got.SigningFingerprint != fingerprint {
		t.Fatalf("fingerprint mismatch: got %s want %s", got.SigningFingerprint, fingerprint)
	}
	if len(got.AdvertisedAddresses) != 0 {
		t.Fatalf("short friendcode must not carry addresses, got %v", got.AdvertisedAddresses)
	}
}

func TestFriendcodeMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-a-friendcode",
		"gc1:not-base58-!!!",
		"gcs1:not-base58-!!!",
	}
	for _, c := range cases {
		if _, err := DecodeFriendcode(c); err == nil {
			t.Errorf("expected error decoding %q", c)
		}
	}
}

func TestFriendcodeUnsupportedVersion(t *testing.T) {
	code, err := EncodeFriendcodeLong(FriendcodePayload{
		Version:            currentFriendcodeVersion + 1,
		PeerID:             "p",
		SigningFingerprint: "f",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeFriendcode(code); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}
