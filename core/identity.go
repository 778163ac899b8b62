package core

// Identity bootstrap for a Graphchan node (§4.2).
//
// Two independent keypairs are generated once per store and persisted with
// owner-only permissions under keys/<identity-key> and
// keys/<encryption-key> (§6.6):
//
//   - a long-form Ed25519 signing keypair whose fingerprint is the stable
//     global peer identifier used across the network (reactions, profile
//     updates, and block-list publications are signed with it);
//   - a Curve25519 ECDH encryption keypair that drives DM encryption and
//     per-thread key-wrapping (C10).
//
// A third, endpoint-bound key is owned by the transport (C4) and is never
// persisted here.
//
// Grounded on core/wallet.go's BIP-39 seed generation and owner-only key
// persistence idiom, and core/security.go's Sign/Verify split by KeyAlgo
// (here narrowed to the single Ed25519 algorithm the spec names).

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

var identityLogger = logrus.StandardLogger()

// SetIdentityLogger overrides the package-level logger, matching the
// teacher's SetWalletLogger/SetSecurityLogger hook pattern.
func SetIdentityLogger(l *logrus.Logger) { identityLogger = l }

// Identity holds the in-memory key material for a node. Private keys never
// leave this struct except through Sign/ECDH helper methods.
type Identity struct {
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	encPriv     *ecdh.PrivateKey
	encPub      *ecdh.PublicKey

	fingerprint string // hex sha256 of the signing public key
	friendcode  string // canonical long-form encoding
}

// Fingerprint returns the stable global peer identifier (§3.1, §4.2).
func (id *Identity) Fingerprint() string { return id.fingerprint }

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey { return id.signingPub }

// EncryptionPublicKey returns the raw 32-byte X25519 public key.
func (id *Identity) EncryptionPublicKey() []byte { return id.encPub.Bytes() }

// Friendcode returns the canonical long-form encoding for this identity,
// given the node's current advertised addresses.
func (id *Identity) Friendcode() string { return id.friendcode }

// Sign signs msg with the node's signing key, binding it with a context tag
// so signatures cannot be replayed across unrelated fields (§4.10).
func (id *Identity) Sign(contextTag string, msg []byte) []byte {
	return ed25519.Sign(id.signingPriv, signable(contextTag, msg))
}

// VerifySignature checks a signature produced by Sign/Identity.Sign for an
// arbitrary signing public key.
func VerifySignature(pub ed25519.PublicKey, contextTag string, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, signable(contextTag, msg), sig)
}

func signable(contextTag string, msg []byte) []byte {
	out := make([]byte, 0, len(contextTag)+1+len(msg))
	out = append(out, contextTag...)
	out = append(out, ':')
	out = append(out, msg...)
	return out
}

// ECDHSharedSecret derives the shared secret between this identity's
// encryption key and a remote X25519 public key (§4.10).
func (id *Identity) ECDHSharedSecret(remotePub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(remotePub)
	if err != nil {
		return nil, fmt.Errorf("identity: parse remote pubkey: %w", err)
	}
	secret, err := id.encPriv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	return secret, nil
}

// OpenThreadKeyWrap unseals a ThreadKeyWrap's sealed key addressed to this
// identity's own encryption keypair (§4.10).
func (id *Identity) OpenThreadKeyWrap(sealed []byte) ([]byte, error) {
	var pub, priv [32]byte
	copy(pub[:], id.encPub.Bytes())
	copy(priv[:], id.encPriv.Bytes())
	return OpenThreadSecretWrap(&pub, &priv, sealed)
}

const (
	signingKeyFile    = "identity.ed25519"
	encryptionKeyFile = "identity.x25519"
)

// LoadOrCreateIdentity loads persisted key material from keysDir, generating
// and persisting new keys on first boot (§4.2 "Identity bootstrap"). The
// transport peer-id and advertised addresses are supplied by the caller
// (owned by C4) so the friendcode payload can be assembled.
func LoadOrCreateIdentity(keysDir, transportPeerID string, addresses []string) (*Identity, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create keys dir: %w", err)
	}

	signingPriv, created, err := loadOrCreateEd25519(filepath.Join(keysDir, signingKeyFile))
	if err != nil {
		return nil, err
	}
	encPriv, err := loadOrCreateX25519(filepath.Join(keysDir, encryptionKeyFile))
	if err != nil {
		return nil, err
	}

	id := &Identity{
		signingPub:  signingPriv.Public().(ed25519.PublicKey),
		signingPriv: signingPriv,
		encPriv:     encPriv,
		encPub:      encPriv.PublicKey(),
	}
	sum := sha256.Sum256(id.signingPub)
	id.fingerprint = hex.EncodeToString(sum[:])

	code, err := EncodeFriendcodeLong(FriendcodePayload{
		Version:             1,
		PeerID:              transportPeerID,
		SigningFingerprint:  id.fingerprint,
		SigningPubKey:       append([]byte{}, id.signingPub...),
		EncryptionPubKey:    id.encPub.Bytes(),
		AdvertisedAddresses: addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: encode friendcode: %w", err)
	}
	id.friendcode = code

	if created {
		identityLogger.WithFields(logrus.Fields{
			"fingerprint": id.fingerprint,
			"event":       "identity_ready",
		}).Info("generated new node identity")
	}
	return id, nil
}

func loadOrCreateEd25519(path string) (ed25519.PrivateKey, bool, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != ed25519.SeedSize {
			return nil, false, fmt.Errorf("identity: %s: %w", path, ErrStoreCorrupt)
		}
		return ed25519.NewKeyFromSeed(raw), false, nil
	}

	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, false, fmt.Errorf("identity: entropy: %w", err)
	}
	seed := entropy // 256 bits of entropy == 32-byte Ed25519 seed
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, false, fmt.Errorf("identity: persist signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), true, nil
}

func loadOrCreateX25519(path string) (*ecdh.PrivateKey, error) {
	curve := ecdh.X25519()
	if raw, err := os.ReadFile(path); err == nil {
		priv, err := curve.NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("identity: %s: %w", path, ErrStoreCorrupt)
		}
		return priv, nil
	}

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate encryption key: %w", err)
	}
	if err := os.WriteFile(path, priv.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("identity: persist encryption key: %w", err)
	}
	return priv, nil
}
