package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "keys")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	id, err := LoadOrCreateIdentity(dir, "test-peer-id", nil)
	if err != nil {
		t.Fatalf("load or create identity: %v", err)
	}
	return id
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, 32)
	plaintext := []byte("hello graphchan")

	blob, err := Encrypt(key, plaintext, []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, blob, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypt mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x01}, 32)
	key2 := bytes.Repeat([]byte{0x02}, 32)
	blob, err := Encrypt(key1, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(key2, blob, nil); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDirectMessageSymmetry(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	plaintext := []byte("meet at dawn")
	ciphertext, nonce, err := EncryptDirectMessage(alice, bob.EncryptionPublicKey(), plaintext)
	if err != nil {
		t.Fatalf("alice encrypt: %v", err)
	}

	got, err := DecryptDirectMessage(bob, alice.EncryptionPublicKey(), ciphertext, nonce)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("dm round trip mismatch: got %q want %q", got, plaintext)
	}

	// The conversation is symmetric: Bob encrypting to Alice must also
	// decrypt correctly, using the same derived shared secret (§4.10).
	ciphertext2, nonce2, err := EncryptDirectMessage(bob, alice.EncryptionPublicKey(), []byte("confirmed"))
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	got2, err := DecryptDirectMessage(alice, bob.EncryptionPublicKey(), ciphertext2, nonce2)
	if err != nil {
		t.Fatalf("alice decrypt: %v", err)
	}
	if string(got2) != "confirmed" {
		t.Fatalf("reply mismatch: got %q", got2)
	}
}

func TestThreadSecretSealRoundTrip(t *testing.T) {
	member := newTestIdentity(t)

	secret, err := NewThreadSecret()
	if err != nil {
		t.Fatalf("new thread secret: %v", err)
	}

	sealed, err := SealThreadSecretFor(member.EncryptionPublicKey(), secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	var pub, priv [32]byte
	copy(pub[:], member.encPub.Bytes())
	copy(priv[:], member.encPriv.Bytes())

	opened, err := OpenThreadSecretWrap(&pub, &priv, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Fatalf("unsealed secret mismatch")
	}
}

func TestThreadPostEncryptDecrypt(t *testing.T) {
	secret, err := NewThreadSecret()
	if err != nil {
		t.Fatalf("new thread secret: %v", err)
	}
	blob, err := EncryptThreadPost(secret, []byte("private reply"))
	if err != nil {
		t.Fatalf("encrypt post: %v", err)
	}
	got, err := DecryptThreadPost(secret, blob)
	if err != nil {
		t.Fatalf("decrypt post: %v", err)
	}
	if string(got) != "private reply" {
		t.Fatalf("got %q", got)
	}
}

func TestRekeyThreadProducesWrapPerMember(t *testing.T) {
	a := newTestIdentity(t)
	b := newTestIdentity(t)

	_, wraps, err := RekeyThread([][]byte{a.EncryptionPublicKey(), b.EncryptionPublicKey()})
	if err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if len(wraps) != 2 {
		t.Fatalf("expected 2 wraps, got %d", len(wraps))
	}
}
