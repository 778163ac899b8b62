package core

// Encryption services (C10, §4.10). Two independent schemes:
//
//   - pairwise DM encryption: an ECDH shared secret between sender and
//     recipient encryption keys, HKDF-stretched into a XChaCha20-Poly1305
//     key, one key per peer pair, the same in both directions (no forward secrecy — explicit
//     Non-goal, §1);
//   - private-thread encryption: a random 32-byte symmetric thread secret,
//     sealed (NaCl box "anonymous" sealed-box) to each member's encryption
//     public key individually and delivered as a ThreadKeyWrap event, so
//     adding a member never requires re-encrypting history and removing
//     one only takes effect on the next RekeyThread (§9 Open Question #4).
//
// Per-file subkeys are derived from the thread secret via HKDF so a single
// compromised attachment key never exposes the thread key itself.
//
// Grounded on core/security.go's Encrypt/Decrypt (XChaCha20-Poly1305,
// nonce-prefixed blob, kept verbatim in shape); BLS aggregation, Shamir
// secret splitting, Dilithium and the TLS helpers in the same file are not
// reused here (see DESIGN.md "Dropped teacher dependencies").

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Encrypt seals plaintext with key under XChaCha20-Poly1305, returning
// nonce || ciphertext || tag (§4.10).
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto_services: key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto_services: key must be %d bytes", chacha20poly1305.KeySize)
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// deriveSymmetricKey HKDF-stretches a raw ECDH/random secret into a
// XChaCha20-Poly1305 key, scoped by info so the same secret never yields
// the same key for two different purposes (§4.10).
func deriveSymmetricKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// --- direct messages -----------------------------------------------------

// EncryptDirectMessage encrypts plaintext for a 1:1 conversation using the
// ECDH shared secret between the two participants' encryption keys
// (§4.10). There is no forward secrecy: the same derived key encrypts
// every message in the conversation (explicit Non-goal, §1).
func EncryptDirectMessage(id *Identity, recipientEncPub []byte, plaintext []byte) (ciphertext, nonce []byte, err error) {
	secret, err := id.ECDHSharedSecret(recipientEncPub)
	if err != nil {
		return nil, nil, err
	}
	key, err := deriveSymmetricKey(secret, "graphchan-dm-v1")
	if err != nil {
		return nil, nil, err
	}
	blob, err := Encrypt(key, plaintext, nil)
	if err != nil {
		return nil, nil, err
	}
	return blob[chacha20poly1305.NonceSizeX:], blob[:chacha20poly1305.NonceSizeX], nil
}

// DecryptDirectMessage reverses EncryptDirectMessage.
func DecryptDirectMessage(id *Identity, senderEncPub []byte, ciphertext, nonce []byte) ([]byte, error) {
	secret, err := id.ECDHSharedSecret(senderEncPub)
	if err != nil {
		return nil, err
	}
	key, err := deriveSymmetricKey(secret, "graphchan-dm-v1")
	if err != nil {
		return nil, err
	}
	return Decrypt(key, append(append([]byte{}, nonce...), ciphertext...), nil)
}

// --- private threads -------------------------------------------------------

// NewThreadSecret generates a fresh random 32-byte thread symmetric key
// (§4.10).
func NewThreadSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// SealThreadSecretFor wraps a thread secret for one recipient's encryption
// public key using an anonymous NaCl sealed-box, so only that recipient's
// private key can open it and the sender needs no shared state beyond the
// recipient's public key (§4.10, delivered as a ThreadKeyWrap event).
func SealThreadSecretFor(recipientEncPub []byte, threadSecret []byte) ([]byte, error) {
	if len(recipientEncPub) != 32 {
		return nil, fmt.Errorf("crypto_services: recipient key must be 32 bytes")
	}
	var pub [32]byte
	copy(pub[:], recipientEncPub)
	sealed, err := box.SealAnonymous(nil, threadSecret, &pub, rand.Reader)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// OpenThreadSecretWrap unseals a ThreadKeyWrap's sealed key using this
// node's own X25519 keypair.
func OpenThreadSecretWrap(pub, priv *[32]byte, sealed []byte) ([]byte, error) {
	secret, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return secret, nil
}

// EncryptThreadPost encrypts a post body for a private thread (§4.10).
func EncryptThreadPost(threadSecret, plaintext []byte) (blob []byte, err error) {
	key, err := deriveSymmetricKey(threadSecret, "graphchan-thread-post-v1")
	if err != nil {
		return nil, err
	}
	return Encrypt(key, plaintext, nil)
}

// DecryptThreadPost reverses EncryptThreadPost.
func DecryptThreadPost(threadSecret, blob []byte) ([]byte, error) {
	key, err := deriveSymmetricKey(threadSecret, "graphchan-thread-post-v1")
	if err != nil {
		return nil, err
	}
	return Decrypt(key, blob, nil)
}

// EncryptThreadPostBody encrypts and base64-encodes a post body (or preview
// string) so it can travel in a PostUpdate/ThreadAnnouncement's plain-string
// Body/Preview field (§4.10).
func EncryptThreadPostBody(threadSecret []byte, plaintext string) (string, error) {
	blob, err := EncryptThreadPost(threadSecret, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptThreadPostBody reverses EncryptThreadPostBody.
func DecryptThreadPostBody(threadSecret []byte, encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	pt, err := DecryptThreadPost(threadSecret, blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// FileSubkey derives a per-attachment key from the thread secret via HKDF,
// scoped by the file's id so two attachments in the same thread never
// share a key and a single leaked subkey never exposes the thread secret
// (§4.10 "per-file HKDF subkeys"). The id (not the content digest) scopes
// the derivation because the recipient learns it from the FileAvailable
// event before holding any bytes, and because the stored bytes are the
// ciphertext — their digest can't exist until after the key does.
func FileSubkey(threadSecret []byte, fileID string) ([]byte, error) {
	return deriveSymmetricKey(threadSecret, "graphchan-file-subkey-v1:"+fileID)
}

// RekeyThread generates a new thread secret and reseals it for every
// remaining member, used after a membership change (§9 Open Question #4:
// re-wrap-only; removed members retain access to history encrypted under
// the old secret until this is called, and even then only future posts are
// protected under the new key).
func RekeyThread(memberEncPubKeys [][]byte) (newSecret []byte, wraps map[string][]byte, err error) {
	newSecret, err = NewThreadSecret()
	if err != nil {
		return nil, nil, err
	}
	wraps = make(map[string][]byte, len(memberEncPubKeys))
	for _, pub := range memberEncPubKeys {
		sealed, err := SealThreadSecretFor(pub, newSecret)
		if err != nil {
			return nil, nil, err
		}
		wraps[fmt.Sprintf("%x", pub)] = sealed
	}
	return newSecret, wraps, nil
}
