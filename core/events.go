package core

// Event taxonomy and wire envelope (C7, §4.7). Every event that crosses
// the gossip mesh is wrapped in a small versioned envelope so a node can
// reject or skip a payload it doesn't understand without losing sync on
// fields it does. Signatures bind the envelope's payload bytes, not the Go
// struct, so the same canonical JSON must round-trip identically on every
// node.
//
// Grounded on core/replication.go's msgType/invMsg/blockMsg tagged-union
// wire shape, re-typed from block-inventory messages to Graphchan's
// §4.7 taxonomy; self-describing JSON replaces replication.go's RLP
// encoding because §6.2 specifies a plain versioned JSON envelope, not a
// chain-style binary format.

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the payload carried by an Envelope (§4.7).
type EventKind string

const (
	EventThreadAnnouncement EventKind = "thread_announcement"
	EventPostUpdate         EventKind = "post_update"
	EventFileAvailable      EventKind = "file_available"
	EventProfileUpdate      EventKind = "profile_update"
	EventReactionUpdate     EventKind = "reaction_update"
	EventDirectMessage      EventKind = "direct_message"
	EventBlockAction        EventKind = "block_action"
	EventThreadKeyWrap      EventKind = "thread_key_wrap"
)

const envelopeVersion = 1

// Envelope is the versioned tagged-union wrapper every event travels in
// (§4.7, §6.2).
type Envelope struct {
	Version int             `json:"version"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	AnnouncerPeerID string `json:"announcer_peer_id"`
	Signature       []byte `json:"signature"`
}

// ThreadAnnouncement introduces a new thread to the mesh (§4.7). Signature
// verification for this kind binds CreatorPeerID, not AnnouncerPeerID: the
// latter is relay provenance, rewritten hop-by-hop by the ingest worker's
// rebroadcast (§4.8), and is deliberately excluded from the signed bytes so
// rewriting it never invalidates the original creator's signature.
type ThreadAnnouncement struct {
	ThreadID        string     `json:"thread_id"`
	CreatorPeerID   string     `json:"creator_peer_id"`
	AnnouncerPeerID string     `json:"announcer_peer_id"`
	Title           string     `json:"title"`
	Preview         string     `json:"preview,omitempty"`
	BlobTicket      string     `json:"blob_ticket,omitempty"`
	PostCount       int        `json:"post_count"`
	HasImages       bool       `json:"has_images"`
	CreatedAt       int64      `json:"created_at"`
	LastActivityAt  int64      `json:"last_activity_at"`
	ThreadHash      string     `json:"thread_hash"`
	Topics          []string   `json:"topics,omitempty"`
	Visibility      Visibility `json:"visibility"`
	SourceURL       string     `json:"source_url,omitempty"`
	SourcePlatform  string     `json:"source_platform,omitempty"`
}

// PostUpdate carries a new or edited post (§4.7). Redacted/RedactedReason
// let a node serving a thread snapshot blob substitute a placeholder for a
// post whose author it has blocked, without that node's own moderation
// decision ever touching the original body it received (§4.11 "a node
// serving a thread blob to another node ... replaces a blocked peer's
// posts with reason=blocked_by_sender placeholders").
type PostUpdate struct {
	PostID         string          `json:"post_id"`
	ThreadID       string          `json:"thread_id"`
	AuthorPeerID   string          `json:"author_peer_id"`
	ParentIDs      []string        `json:"parent_ids"`
	Body           string          `json:"body"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	Redacted       bool            `json:"redacted,omitempty"`
	RedactedReason RedactionReason `json:"redacted_reason,omitempty"`
}

// FileAvailable announces that an attachment's bytes can now be pulled via
// a ticket (§4.7, §4.9).
type FileAvailable struct {
	FileID       string `json:"file_id"`
	PostID       string `json:"post_id"`
	OriginalName string `json:"original_name"`
	MIME         string `json:"mime"`
	Size         int64  `json:"size"`
	Digest       string `json:"digest"`
	Ticket       string `json:"ticket"`
}

// ProfileUpdate carries a self-asserted display alias/bio change (§4.7).
type ProfileUpdate struct {
	PeerID       string `json:"peer_id"`
	Alias        string `json:"alias,omitempty"`
	Bio          string `json:"bio,omitempty"`
	AvatarTicket string `json:"avatar_ticket,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ReactionUpdate adds or removes a signed reaction (§4.7, §9 Open
// Question: only the original reactor may remove).
type ReactionUpdate struct {
	PostID    string `json:"post_id"`
	Emoji     string `json:"emoji"`
	ReactorID string `json:"reactor_id"`
	Action    string `json:"action"` // "add" | "remove"
	CreatedAt int64  `json:"created_at"`
}

// DirectMessageEvent carries an encrypted 1:1 message (§4.7, §4.10).
type DirectMessageEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	FromPeerID     string `json:"from_peer_id"`
	ToPeerID       string `json:"to_peer_id"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	CreatedAt      int64  `json:"created_at"`
}

// BlockAction publishes a moderation decision for subscribers of the
// announcer's blocklist (§4.7, §4.11).
type BlockAction struct {
	MaintainerID string `json:"maintainer_id"`
	PeerID       string `json:"peer_id"`
	Reason       string `json:"reason"`
	Action       string `json:"action"` // "add" | "remove"
	CreatedAt    int64  `json:"created_at"`
}

// ThreadKeyWrap delivers a private thread's symmetric key, sealed to one
// recipient's encryption public key (§4.7, §4.10).
type ThreadKeyWrap struct {
	ThreadID        string `json:"thread_id"`
	RecipientPeerID string `json:"recipient_peer_id"`
	SealedKey       []byte `json:"sealed_key"`
}

// canonicalSignBytes returns the bytes a kind's signature actually covers.
// For every kind but ThreadAnnouncement this is just the raw payload. A
// ThreadAnnouncement's AnnouncerPeerID field is relay provenance that the
// ingest worker rewrites on every rebroadcast hop (§4.8); it is zeroed
// before signing/verifying so rewriting it in transit never invalidates
// the original creator's signature.
func canonicalSignBytes(kind EventKind, raw json.RawMessage) (json.RawMessage, error) {
	if kind != EventThreadAnnouncement {
		return raw, nil
	}
	var p ThreadAnnouncement
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	p.AnnouncerPeerID = ""
	canon, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: canonicalize thread announcement: %w", err)
	}
	return canon, nil
}

// signerPeerID returns the peer id whose signing key verifies env. Every
// kind but ThreadAnnouncement is signed by the actor named in
// Envelope.AnnouncerPeerID (the post author, the reactor, the block
// maintainer); ThreadAnnouncement is signed by its payload's
// CreatorPeerID, since Envelope.AnnouncerPeerID is relay metadata for that
// kind (§4.7, §4.8).
func signerPeerID(env Envelope) (string, error) {
	if env.Kind != EventThreadAnnouncement {
		return env.AnnouncerPeerID, nil
	}
	var p ThreadAnnouncement
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return p.CreatorPeerID, nil
}

// EncodeEnvelope marshals a typed payload into a signed Envelope. The
// caller supplies the signature over the canonical payload bytes plus
// kind, matching Identity.Sign's context-tag binding (§4.10).
func EncodeEnvelope(kind EventKind, payload any, announcerPeerID string, sign func(contextTag string, msg []byte) []byte) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	signBytes, err := canonicalSignBytes(kind, raw)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Version:         envelopeVersion,
		Kind:            kind,
		Payload:         raw,
		AnnouncerPeerID: announcerPeerID,
	}
	env.Signature = sign(string(kind), signBytes)
	return env, nil
}

// signatureMandatory reports whether a kind may only be accepted with a
// verified signature. §4.8 requires it for reactions, profile updates and
// block actions; the remaining kinds are also verified whenever the
// signer's key is known, but an unknown signer does not block ingestion —
// announcements and posts routinely arrive from strangers whose key no
// friendcode has introduced yet (§4.8 causal repair, scenario S2).
func signatureMandatory(kind EventKind) bool {
	switch kind {
	case EventReactionUpdate, EventProfileUpdate, EventBlockAction:
		return true
	default:
		return false
	}
}

// DecodeEnvelope parses an Envelope and verifies its signature against the
// signer's known signing public key (§4.7, §4.8 ingest verification). A
// signer whose key is unknown fails only the kinds whose signature is
// mandatory; a known key that fails verification always drops the envelope.
func DecodeEnvelope(data []byte, signingPubKeyOf func(peerID string) (pub []byte, ok bool)) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Version > envelopeVersion {
		return Envelope{}, ErrUnsupportedVersion
	}
	signer, err := signerPeerID(env)
	if err != nil {
		return Envelope{}, err
	}
	pub, ok := signingPubKeyOf(signer)
	if !ok {
		if signatureMandatory(env.Kind) {
			return Envelope{}, ErrSignatureInvalid
		}
		return env, nil
	}
	signBytes, err := canonicalSignBytes(env.Kind, env.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if !VerifySignature(pub, string(env.Kind), signBytes, env.Signature) {
		return Envelope{}, ErrSignatureInvalid
	}
	return env, nil
}

// RewriteAnnouncer returns a copy of a ThreadAnnouncement envelope with its
// payload's AnnouncerPeerID field set to localPeerID, used by the ingest
// worker's rebroadcast step to record the new relay hop (§4.8). The
// signature is unaffected because it never covered AnnouncerPeerID (see
// canonicalSignBytes). Non-ThreadAnnouncement envelopes are returned
// unchanged.
func (e Envelope) RewriteAnnouncer(localPeerID string) (Envelope, error) {
	if e.Kind != EventThreadAnnouncement {
		return e, nil
	}
	var p ThreadAnnouncement
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	p.AnnouncerPeerID = localPeerID
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: rewrite announcer: %w", err)
	}
	e.Payload = raw
	return e, nil
}

// Fingerprint computes the dedup key for an envelope (§4.8 "dedup
// fingerprinting per event variant"). Each kind fingerprints on its own
// semantically-unique field set so edits to the same entity do not
// collide with its creation event.
func (e Envelope) Fingerprint() (string, error) {
	var key string
	switch e.Kind {
	case EventThreadAnnouncement:
		var p ThreadAnnouncement
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = "thread:" + p.ThreadID + ":" + p.ThreadHash
	case EventPostUpdate:
		var p PostUpdate
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = fmt.Sprintf("post:%s:%d", p.PostID, p.UpdatedAt)
	case EventFileAvailable:
		var p FileAvailable
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = "file:" + p.FileID
	case EventProfileUpdate:
		var p ProfileUpdate
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = fmt.Sprintf("profile:%s:%d", p.PeerID, p.UpdatedAt)
	case EventReactionUpdate:
		var p ReactionUpdate
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = fmt.Sprintf("reaction:%s:%s:%s:%s", p.PostID, p.Emoji, p.ReactorID, p.Action)
	case EventDirectMessage:
		var p DirectMessageEvent
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = "dm:" + p.MessageID
	case EventBlockAction:
		var p BlockAction
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = fmt.Sprintf("block:%s:%s:%s", p.MaintainerID, p.PeerID, p.Action)
	case EventThreadKeyWrap:
		var p ThreadKeyWrap
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", err
		}
		key = "keywrap:" + p.ThreadID + ":" + p.RecipientPeerID
	default:
		return "", fmt.Errorf("events: unknown kind %q", e.Kind)
	}
	return key, nil
}
