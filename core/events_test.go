package core

import (
	"encoding/json"
	"testing"
)

func encodeFor(t *testing.T, id *Identity, kind EventKind, payload any, announcer string) []byte {
	t.Helper()
	env, err := EncodeEnvelope(kind, payload, announcer, id.Sign)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func resolverFor(id *Identity, peerID string) func(string) ([]byte, bool) {
	return func(p string) ([]byte, bool) {
		if p == peerID {
			return id.SigningPublicKey(), true
		}
		return nil, false
	}
}

func TestDecodeEnvelopeVerifiesKnownSigner(t *testing.T) {
	id := newTestIdentity(t)
	data := encodeFor(t, id, EventPostUpdate, PostUpdate{PostID: "p1", ThreadID: "t1", AuthorPeerID: "peer-1"}, "peer-1")

	if _, err := DecodeEnvelope(data, resolverFor(id, "peer-1")); err != nil {
		t.Fatalf("expected valid envelope to decode, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsTamperedPayload(t *testing.T) {
	id := newTestIdentity(t)
	env, err := EncodeEnvelope(EventPostUpdate, PostUpdate{PostID: "p1", ThreadID: "t1", AuthorPeerID: "peer-1", Body: "original"}, "peer-1", id.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env.Payload = json.RawMessage(`{"post_id":"p1","thread_id":"t1","author_peer_id":"peer-1","body":"forged"}`)
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeEnvelope(data, resolverFor(id, "peer-1")); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid for tampered payload, got %v", err)
	}
}

// An unknown signer must not block kinds whose signature is optional —
// announcements and posts routinely arrive from strangers no friendcode
// introduced (§4.8, scenario S2) — but must block the kinds §4.8 makes
// signature-mandatory.
func TestDecodeEnvelopeUnknownSignerPolicy(t *testing.T) {
	id := newTestIdentity(t)
	unknown := func(string) ([]byte, bool) { return nil, false }

	post := encodeFor(t, id, EventPostUpdate, PostUpdate{PostID: "p1", ThreadID: "t1", AuthorPeerID: "stranger"}, "stranger")
	if _, err := DecodeEnvelope(post, unknown); err != nil {
		t.Fatalf("expected stranger's post to decode, got %v", err)
	}

	reaction := encodeFor(t, id, EventReactionUpdate, ReactionUpdate{PostID: "p1", Emoji: "+1", ReactorID: "stranger", Action: "add"}, "stranger")
	if _, err := DecodeEnvelope(reaction, unknown); err != ErrSignatureInvalid {
		t.Fatalf("expected stranger's reaction to be dropped, got %v", err)
	}
}

// Rewriting announcer_peer_id on rebroadcast must not invalidate the
// creator's signature, since the signature never covers that field (§4.8,
// scenario S2).
func TestRewriteAnnouncerPreservesSignature(t *testing.T) {
	creator := newTestIdentity(t)
	payload := ThreadAnnouncement{
		ThreadID:        "t1",
		CreatorPeerID:   "creator-peer",
		AnnouncerPeerID: "creator-peer",
		Title:           "hello",
		ThreadHash:      "h1",
	}
	env, err := EncodeEnvelope(EventThreadAnnouncement, payload, "creator-peer", creator.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	rewritten, err := env.RewriteAnnouncer("relay-peer")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, err := json.Marshal(rewritten)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := DecodeEnvelope(data, resolverFor(creator, "creator-peer"))
	if err != nil {
		t.Fatalf("expected rewritten announcement to still verify, got %v", err)
	}
	var p ThreadAnnouncement
	if err := json.Unmarshal(decoded.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AnnouncerPeerID != "relay-peer" {
		t.Fatalf("expected announcer rewritten to relay-peer, got %q", p.AnnouncerPeerID)
	}
	if p.CreatorPeerID != "creator-peer" {
		t.Fatalf("creator must survive the rewrite, got %q", p.CreatorPeerID)
	}
}

func TestFingerprintDistinguishesVariantsAndEdits(t *testing.T) {
	mk := func(kind EventKind, payload any) Envelope {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return Envelope{Version: 1, Kind: kind, Payload: raw}
	}

	orig := mk(EventPostUpdate, PostUpdate{PostID: "p1", UpdatedAt: 100})
	edit := mk(EventPostUpdate, PostUpdate{PostID: "p1", UpdatedAt: 200})
	f1, err := orig.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	f2, err := edit.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if f1 == f2 {
		t.Fatalf("an edited post must fingerprint differently from its original")
	}

	add := mk(EventReactionUpdate, ReactionUpdate{PostID: "p1", Emoji: "+1", ReactorID: "r", Action: "add"})
	remove := mk(EventReactionUpdate, ReactionUpdate{PostID: "p1", Emoji: "+1", ReactorID: "r", Action: "remove"})
	fa, err := add.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fr, err := remove.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fa == fr {
		t.Fatalf("add and remove of the same reaction must not share a fingerprint")
	}
}

func TestDecodeEnvelopeRejectsNewerVersion(t *testing.T) {
	env := Envelope{Version: envelopeVersion + 1, Kind: EventPostUpdate, Payload: json.RawMessage(`{}`)}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeEnvelope(data, func(string) ([]byte, bool) { return nil, false }); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}
