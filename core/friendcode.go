package core

// Friendcode encode/decode (§4.2, §6.1).
//
// A friendcode is a shareable, addressable peer descriptor. Two textual
// forms exist:
//
//   - long: compressed, base58-encoded JSON payload including relay hints
//     ({version, peer_id, signing_fingerprint, encryption_pubkey,
//     addresses[]});
//   - short: fixed-length base58-encoded concatenation of
//     peer_id || signing_fingerprint (no addresses).
//
// The decoder auto-detects the form by its "gcs1:"/"gc1:" prefix.
//
// Grounded on core/wallet.go's address-encoding helpers (hex/base58 style)
// and core/security.go's error-sentinel conventions; base58 itself comes
// from github.com/mr-tron/base58, already a transitive dependency of the
// libp2p stack used for peer-id text encoding throughout the pack.

import (
	"bytes"
	"compress/flate"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
)

// FriendcodePayload is the structured contract behind both wire forms
// (§6.1).
type FriendcodePayload struct {
	Version             int      `json:"version"`
	PeerID              string   `json:"peer_id"`
	SigningFingerprint  string   `json:"signing_fingerprint"`
	SigningPubKey       []byte   `json:"signing_pubkey"`
	EncryptionPubKey    []byte   `json:"encryption_pubkey"`
	AdvertisedAddresses []string `json:"addresses"`
}

const currentFriendcodeVersion = 1

// EncodeFriendcodeLong serializes the full payload as compressed,
// base58-encoded JSON (§6.1).
func EncodeFriendcodeLong(p FriendcodePayload) (string, error) {
	if p.Version == 0 {
		p.Version = currentFriendcodeVersion
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("friendcode: marshal: %w", err)
	}
	compressed, err := deflate(raw)
	if err != nil {
		return "", fmt.Errorf("friendcode: compress: %w", err)
	}
	return "gc1:" + base58.Encode(compressed), nil
}

// EncodeFriendcodeShort serializes the fixed-length identifier form: no
// addresses, so it never changes as the node's network location moves
// (Open Question in spec.md §9, resolved in DESIGN.md: no relay hint is
// embedded in the short form).
func EncodeFriendcodeShort(peerID, signingFingerprint string) (string, error) {
	peerBytes, err := hex.DecodeString(zeroPad(peerID, 64))
	if err != nil {
		return "", fmt.Errorf("friendcode: peer id must be hex: %w", err)
	}
	fpBytes, err := hex.DecodeString(signingFingerprint)
	if err != nil {
		return "", fmt.Errorf("friendcode: fingerprint must be hex: %w", err)
	}
	buf := append(append([]byte{}, peerBytes...), fpBytes...)
	return "gcs1:" + base58.Encode(buf), nil
}

func zeroPad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return strings.Repeat("0", n-len(s)) + s
}

// DecodeFriendcode accepts either textual form and reconstructs an
// addressable peer descriptor (§4.2, §6.1). Short-form codes are returned
// with an empty AdvertisedAddresses slice.
func DecodeFriendcode(text string) (FriendcodePayload, error) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "gcs1:"):
		return decodeShort(strings.TrimPrefix(text, "gcs1:"))
	case strings.HasPrefix(text, "gc1:"):
		return decodeLong(strings.TrimPrefix(text, "gc1:"))
	default:
		return FriendcodePayload{}, ErrMalformedFriendcode
	}
}

func decodeShort(body string) (FriendcodePayload, error) {
	raw, err := base58.Decode(body)
	if err != nil {
		return FriendcodePayload{}, fmt.Errorf("%w: %v", ErrMalformedFriendcode, err)
	}
	if len(raw) != 64 { // 32 bytes peer-id hex-equivalent + 32 bytes fingerprint
		return FriendcodePayload{}, ErrMalformedFriendcode
	}
	return FriendcodePayload{
		Version:            currentFriendcodeVersion,
		PeerID:             hex.EncodeToString(raw[:32]),
		SigningFingerprint: hex.EncodeToString(raw[32:]),
	}, nil
}

func decodeLong(body string) (FriendcodePayload, error) {
	compressed, err := base58.Decode(body)
	if err != nil {
		return FriendcodePayload{}, fmt.Errorf("%w: %v", ErrMalformedFriendcode, err)
	}
	raw, err := inflate(compressed)
	if err != nil {
		return FriendcodePayload{}, fmt.Errorf("%w: %v", ErrMalformedFriendcode, err)
	}
	var p FriendcodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return FriendcodePayload{}, fmt.Errorf("%w: %v", ErrMalformedFriendcode, err)
	}
	if p.PeerID == "" || p.SigningFingerprint == "" {
		return FriendcodePayload{}, ErrMalformedFriendcode
	}
	if p.Version > currentFriendcodeVersion {
		return FriendcodePayload{}, ErrUnsupportedVersion
	}
	return p, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
