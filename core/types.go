// Package core implements Graphchan's replication core: the identity,
// transport, gossip, discovery, event, ingest, blob-sync, encryption and
// moderation subsystems that let a thread and its attachments, created on
// one node, become available — content-verified — on any subscribing node
// without a central coordinator.
package core

import (
	"errors"
	"time"
)

// TrustState classifies how much a local node trusts a remote Peer.
type TrustState string

const (
	TrustUnknown TrustState = "unknown"
	TrustKnown   TrustState = "known"
	TrustTrusted TrustState = "trusted"
	TrustBlocked TrustState = "blocked"
)

// SyncStatus tracks a Thread's replication state machine (§4.8).
type SyncStatus string

const (
	SyncAnnounced   SyncStatus = "announced"
	SyncDownloading SyncStatus = "downloading"
	SyncDownloaded  SyncStatus = "downloaded"
	SyncLocal       SyncStatus = "local"
)

// Visibility distinguishes public (social) threads from end-to-end
// encrypted private threads (§3.1, §4.10).
type Visibility string

const (
	VisibilitySocial  Visibility = "social"
	VisibilityPrivate Visibility = "private"
)

// RedactionReason records why a post was replaced by a placeholder (§3.1).
type RedactionReason string

const (
	ReasonBlockedBySender RedactionReason = "blocked_by_sender"
	ReasonNotIncluded     RedactionReason = "not_included"
	ReasonDeleted         RedactionReason = "deleted"
	ReasonBlockedLocally  RedactionReason = "blocked_locally"
)

// DHTStatus reports the observability signal C6 surfaces (§4.6).
type DHTStatus string

const (
	DHTChecking    DHTStatus = "checking"
	DHTConnected   DHTStatus = "connected"
	DHTUnreachable DHTStatus = "unreachable"
)

// NodeIdentity is the singleton per-store identity record (§3.1).
type NodeIdentity struct {
	SigningFingerprint string // content-addressable ID, stable global peer identifier
	TransportPeerID    string // C4 endpoint-bound routable id
	EncryptionPubKey   []byte // Curve25519 public key
	Friendcode         string // canonical long-form encoding
}

// Peer is a remote node known to this node (§3.1).
type Peer struct {
	ID                 string // transport peer-id
	Alias              string
	FriendcodeText     string
	SigningFingerprint string
	SigningPubKey      []byte // raw Ed25519 public key, learned from a decoded friendcode
	EncryptionPubKey   []byte // nullable for legacy peers
	LastSeen           time.Time
	TrustState         TrustState
}

// Thread is a discussion root (§3.1).
type Thread struct {
	ID             string
	Title          string
	CreatorPeerID  string
	CreatedAt      time.Time
	Pinned         bool
	Deleted        bool
	Ignored        bool
	ThreadHash     string // digest over the ordered post set
	BlobTicket     string // most recently announced thread-snapshot ticket, used by download_thread
	SyncStatus     SyncStatus
	Visibility     Visibility
	Secret         []byte   // 32-byte per-thread secret, only set for private threads
	Topics         []string // named topics this thread was last announced to; empty means friends-only
	SourceURL      string
	SourcePlatform string
}

// Post is a node in a thread's reply DAG (§3.1).
type Post struct {
	ID            string
	ThreadID      string
	AuthorPeerID  string
	Body          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AgentMetadata string // optional, opaque

	// Redaction. Redacted posts carry a reason and no body.
	Redacted       bool
	RedactedReason RedactionReason

	Parents []string // parent post ids, stored via PostRelationship rows
}

// PostRelationship is a directed DAG edge (§3.1).
type PostRelationship struct {
	ParentPostID string
	ChildPostID  string
}

// File is attachment metadata (§3.1).
type File struct {
	ID           string
	PostID       string
	OriginalName string
	MIME         string
	Size         int64
	Digest       string // blob id / content digest, empty until known
	LocalPath    string
	Ticket       string
	Present      bool
}

// TopicSubscription is the (node, topic-name) pair (§3.1).
type TopicSubscription struct {
	TopicName string
	TopicID   string
	CreatedAt time.Time
}

// Reaction binds an emoji reaction to a post and reactor (§3.1).
type Reaction struct {
	PostID    string
	Emoji     string
	ReactorID string
	Signature []byte
	CreatedAt time.Time
}

// DirectMessage is an encrypted 1:1 message (§3.1).
type DirectMessage struct {
	ID             string
	ConversationID string
	FromPeerID     string
	ToPeerID       string
	Ciphertext     []byte
	Nonce          []byte
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Conversation is a derived, local-only per-peer-pair view (§3.1).
type Conversation struct {
	ConversationID string
	PeerA          string
	PeerB          string
	UnreadCount    int
}

// Block is a local-only moderation decision (§3.1).
type Block struct {
	PeerID    string
	Reason    string
	BlockedAt time.Time
}

// BlocklistSubscription tracks a subscribed moderation list (§3.1).
type BlocklistSubscription struct {
	ID           string
	MaintainerID string
	Name         string
	AutoApply    bool
	LastSyncedAt time.Time
}

// BlocklistEntry is one cached row within a subscribed blocklist.
type BlocklistEntry struct {
	BlocklistID string
	PeerID      string
	Reason      string
	AddedAt     time.Time
}

// IPBlock is a single address or CIDR moderation entry (§3.1).
type IPBlock struct {
	CIDR      string // single addresses are stored as /32 or /128
	CreatedAt time.Time
}

// RedactedPlaceholder replaces a post whose DAG position must survive but
// whose content must not (§3.1, §4.11).
type RedactedPlaceholder struct {
	ID           string
	ThreadID     string
	AuthorPeerID string
	ParentIDs    []string
	Reason       RedactionReason
}

// Sentinel errors shared across the replication core (§7, SPEC_FULL §7a).
var (
	ErrMalformedFriendcode = errors.New("graphchan: malformed friendcode")
	ErrUnsupportedVersion  = errors.New("graphchan: unsupported friendcode version")
	ErrPeerUnreachable     = errors.New("graphchan: peer unreachable")
	ErrDigestMismatch      = errors.New("graphchan: digest mismatch")
	ErrTimeout             = errors.New("graphchan: operation timed out")
	ErrMalformedEnvelope   = errors.New("graphchan: malformed envelope")
	ErrSignatureInvalid    = errors.New("graphchan: invalid signature")
	ErrDecryptionFailed    = errors.New("graphchan: decryption failed")
	ErrBlocked             = errors.New("graphchan: peer is blocked")
	ErrBackpressure        = errors.New("graphchan: capacity exceeded, retry later")
	ErrStoreCorrupt        = errors.New("graphchan: persistent store corrupt")
	ErrIdentityMissing     = errors.New("graphchan: node identity missing")
	ErrNotFound            = errors.New("graphchan: not found")
)
