package core

// Node bootstrap wiring (§4.12, §9 "construct explicit values, wire them
// together in main rather than reaching for package-level singletons").
// Node composes one instance of every component (C1–C11) for a single
// running process; nothing here is a package-level global, so tests can
// construct several independent Nodes in one process.

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"graphchan/pkg/config"
)

// Node is the fully-wired Graphchan process: identity, store, blob cache,
// transport, gossip mesh, discovery, publisher, ingest worker, blob
// synchronizer, and moderation engine, plus the topics it currently has
// joined (§9 component list).
type Node struct {
	Identity  *Identity
	Store     *Store
	Blobs     *BlobStore
	Transport *Transport
	Mesh      *Mesh
	Discovery *Discovery
	Publisher *Publisher
	Ingest    *Ingest
	BlobSync  *BlobSync
	Moderator *Moderator

	mu             sync.Mutex
	joinedTopics   map[string]context.CancelFunc
	startedAt      time.Time
	friendProvider *FriendBootstrapProvider
	disableDHT     bool
	relayURL       string
	uploadsDir     string
}

// NewNode constructs every component against a loaded configuration, but
// does not yet start any background loops (Run does that) (§4.12).
func NewNode(cfg *config.Config) (*Node, error) {
	dataDir := cfg.Storage.DataDir
	store, err := OpenStore(filepath.Join(dataDir, "graphchan.db"))
	if err != nil {
		return nil, err
	}
	blobs, err := OpenBlobStore(filepath.Join(dataDir, "blobs"), 0)
	if err != nil {
		return nil, err
	}

	transport, err := NewTransport(TransportConfig{
		ListenAddr:          cfg.Network.ListenAddr,
		DisableDHT:          cfg.Network.DisableDHT,
		DisableLANDiscovery: cfg.Network.DisableLANDiscovery,
	})
	if err != nil {
		return nil, err
	}

	id, err := LoadOrCreateIdentity(filepath.Join(dataDir, "keys"), transport.ID(), transport.ListenAddresses())
	if err != nil {
		return nil, err
	}

	moderator := NewModerator(store)
	mesh := NewMesh(transport)
	publisher := NewPublisher(mesh, nil, 256)

	signingKeys := newPeerKeyCache(store)
	ingest := NewIngest(store, blobs, moderator, publisher, transport.ID(), id, signingKeys.Resolve)

	uploadsDir := filepath.Join(dataDir, "files", "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, err
	}

	blobsync := NewBlobSync(transport, blobs, store, BlobSyncConfig{
		Timeout:       time.Duration(cfg.Downloads.BlobTimeoutSeconds) * time.Second,
		MaxAttempts:   cfg.Downloads.MaxAttempts,
		MaxConcurrent: cfg.Downloads.MaxConcurrent,
		MaxBlobBytes:  cfg.API.MaxUploadBytes,
		DownloadsDir:  filepath.Join(dataDir, "files", "downloads"),
	})
	ingest.SetBlobSync(blobsync)
	ingest.SetDivergenceHandler(func(threadID, blobTicket string) {
		go func() {
			if err := blobsync.ResyncThread(context.Background(), ingest, threadID, blobTicket); err != nil {
				nodeLogger.WithError(err).WithField("thread", threadID).Debug("divergence resync failed")
			}
		}()
	})

	n := &Node{
		Identity:     id,
		Store:        store,
		Blobs:        blobs,
		Transport:    transport,
		Mesh:         mesh,
		Publisher:    publisher,
		Ingest:       ingest,
		BlobSync:     blobsync,
		Moderator:    moderator,
		joinedTopics: make(map[string]context.CancelFunc),
		startedAt:    time.Now().UTC(),
		disableDHT:   cfg.Network.DisableDHT,
		relayURL:     cfg.Network.RelayURL,
		uploadsDir:   uploadsDir,
	}

	n.friendProvider = &FriendBootstrapProvider{}
	n.Discovery = NewDiscovery(transport, 2*time.Minute, n.friendProvider)

	return n, nil
}

// AddFriend decodes a friendcode, records the peer (including its raw
// signing public key, required for §4.8 envelope verification), and adds
// its advertised addresses to the friend-bootstrap discovery provider
// (§4.2, §4.6 "friend bootstrap").
func (n *Node) AddFriend(ctx context.Context, friendcodeText string) (Peer, error) {
	payload, err := DecodeFriendcode(friendcodeText)
	if err != nil {
		return Peer{}, err
	}
	p := Peer{
		ID:                 payload.PeerID,
		FriendcodeText:     friendcodeText,
		SigningFingerprint: payload.SigningFingerprint,
		SigningPubKey:      payload.SigningPubKey,
		EncryptionPubKey:   payload.EncryptionPubKey,
		LastSeen:           time.Now().UTC(),
		TrustState:         TrustKnown,
	}
	if err := n.Store.UpsertPeer(ctx, p); err != nil {
		return Peer{}, err
	}
	n.friendProvider.addAddress(payload.AdvertisedAddresses)

	// Both sides of a friendship can independently derive their shared DM
	// topic the moment they know each other's encryption key, without any
	// further coordination — join it now so a DM either direction can
	// actually be delivered (§4.6, §4.10, §6.3).
	if len(p.EncryptionPubKey) > 0 {
		if sharedSecret, err := n.Identity.ECDHSharedSecret(p.EncryptionPubKey); err == nil {
			conversationID := conversationIDFor(n.Transport.ID(), p.ID)
			if err := n.joinAndConsume(ctx, TopicIDForConversation(conversationID, sharedSecret)); err != nil {
				nodeLogger.WithError(err).WithField("peer", p.ID).Warn("failed to join dm topic for new friend")
			}
		} else {
			nodeLogger.WithError(err).WithField("peer", p.ID).Warn("failed to derive dm shared secret for new friend")
		}
	}
	return p, nil
}

// Run starts the background tasks: the publisher's outbound task and the
// discovery maintenance loop. Per-topic ingest consumers are started by
// JoinTopic as topics are subscribed (§5 concurrency model).
func (n *Node) Run(ctx context.Context) {
	n.Publisher.Start(ctx)

	if !n.disableDHT {
		if kad, err := NewKadDHTProvider(ctx, n.Transport, nil); err != nil {
			nodeLogger.WithError(err).Warn("dht provider unavailable")
		} else {
			n.Discovery.AddProvider(kad)
		}
		if schelling, err := NewSchellingProvider(n.topicSecretFor, n.localEndpointDescriptor); err != nil {
			nodeLogger.WithError(err).Warn("schelling provider unavailable")
		} else {
			n.Discovery.AddProvider(schelling)
		}
	}

	go n.Discovery.Run(ctx, n.subscribedTopicIDs)
	go n.BlobSync.RunPending(ctx, 30*time.Second)
	go n.pruneLoop(ctx)

	// Every peer-scoped event (PostUpdate, FileAvailable, ProfileUpdate,
	// ReactionUpdate, BlockAction) routes to this node's own peer topic
	// (§4.7); join it unconditionally so publishing one never races ahead
	// of Mesh.Join.
	if err := n.joinAndConsume(ctx, TopicIDForPeer(n.Transport.ID())); err != nil {
		nodeLogger.WithError(err).Warn("failed to join own peer topic")
	}
}

const fingerprintLedgerSize = 100_000

// pruneLoop bounds the dedup ledger on a 10-minute horizon (§3.1, §5
// "maintenance task ... pruning stale entries").
func (n *Node) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Store.PruneFingerprints(ctx, fingerprintLedgerSize); err != nil {
				nodeLogger.WithError(err).Warn("fingerprint prune failed")
			}
		}
	}
}

// topicSecretFor maps a topic id back to the shared secret every
// subscriber of that topic knows: for a named public topic, the name
// itself (§4.6 layer 3 — only peers who know the name can find or decrypt
// the Schelling record).
func (n *Node) topicSecretFor(topicID string) ([]byte, bool) {
	subs, err := n.Store.ListTopicSubscriptions(context.Background())
	if err != nil {
		return nil, false
	}
	for _, s := range subs {
		if s.TopicID == topicID {
			return []byte(s.TopicName), true
		}
	}
	return nil, false
}

func (n *Node) localEndpointDescriptor() EndpointDescriptor {
	return EndpointDescriptor{
		PeerID:    n.Transport.ID(),
		Addresses: n.Transport.ListenAddresses(),
		RelayURL:  n.relayURL,
	}
}

func (n *Node) subscribedTopicIDs() []string {
	subs, err := n.Store.ListTopicSubscriptions(context.Background())
	if err != nil {
		nodeLogger.WithError(err).Warn("list topic subscriptions failed")
		return nil
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.TopicID)
	}
	return ids
}

// JoinTopic subscribes to a named topic, persists the subscription, and
// starts its ingest consumer (§4.5, §4.6, §4.8). Followed peers are dialed
// first so the mesh has neighbors to graft onto immediately — the primary
// discovery layer (§4.6 "friend bootstrap"); the DHT and Schelling
// providers fill in strangers on the next maintenance tick.
func (n *Node) JoinTopic(ctx context.Context, name string) error {
	topicID := TopicIDForName(name)
	if err := n.Store.SubscribeTopic(ctx, TopicSubscription{TopicName: name, TopicID: topicID, CreatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	n.bootstrapFromFriends(ctx)
	return n.joinAndConsume(ctx, topicID)
}

func (n *Node) bootstrapFromFriends(ctx context.Context) {
	friends, err := n.Store.ListFollowedPeers(ctx)
	if err != nil {
		nodeLogger.WithError(err).Warn("list followed peers failed")
		return
	}
	for _, f := range friends {
		if f.FriendcodeText == "" {
			continue
		}
		payload, err := DecodeFriendcode(f.FriendcodeText)
		if err != nil {
			continue
		}
		n.friendProvider.addAddress(payload.AdvertisedAddresses)
	}
	infos, err := n.friendProvider.FindPeers(ctx, "")
	if err != nil {
		return
	}
	for _, info := range infos {
		n.Transport.HandlePeerFound(info)
	}
}

func (n *Node) joinAndConsume(ctx context.Context, topicID string) error {
	n.mu.Lock()
	if _, ok := n.joinedTopics[topicID]; ok {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	msgs, _, err := n.Mesh.Join(topicID)
	if err != nil {
		return err
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.joinedTopics[topicID] = cancel
	n.mu.Unlock()
	go n.Ingest.Consume(consumeCtx, topicID, msgs)
	return nil
}

// LeaveTopic unsubscribes and stops the topic's ingest consumer.
func (n *Node) LeaveTopic(ctx context.Context, name string) error {
	topicID := TopicIDForName(name)
	n.mu.Lock()
	if cancel, ok := n.joinedTopics[topicID]; ok {
		cancel()
		delete(n.joinedTopics, topicID)
	}
	n.mu.Unlock()
	if err := n.Mesh.Leave(topicID); err != nil {
		return err
	}
	return n.Store.UnsubscribeTopic(ctx, name)
}

// Healthy reports a liveness/readiness summary (SPEC_FULL.md §4.12).
type Healthy struct {
	Uptime       time.Duration `json:"uptime"`
	PeerCount    int           `json:"peer_count"`
	DHTStatus    DHTStatus     `json:"dht_status"`
	JoinedTopics int           `json:"joined_topics"`
}

// Health returns the current liveness/readiness snapshot.
func (n *Node) Health() Healthy {
	n.mu.Lock()
	joined := len(n.joinedTopics)
	n.mu.Unlock()

	peers, _ := n.Store.ListPeers(context.Background())
	status := DHTChecking
	if n.Discovery != nil {
		status = n.Discovery.Status()
	}
	return Healthy{
		Uptime:       time.Since(n.startedAt),
		PeerCount:    len(peers),
		DHTStatus:    status,
		JoinedTopics: joined,
	}
}

// Close releases every held resource.
func (n *Node) Close() error {
	if n.Transport != nil {
		_ = n.Transport.Close()
	}
	// BlobStore holds no unflushed state; only the transport and the
	// database need an explicit release.
	if n.Store != nil {
		return n.Store.Close()
	}
	return nil
}

var nodeLogger = logrus.StandardLogger()

// SetNodeLogger overrides the package-level logger.
func SetNodeLogger(l *logrus.Logger) { nodeLogger = l }

// peerKeyCache resolves a peer's signing public key from the store,
// feeding Ingest's SigningKeyResolver without a direct store dependency in
// events.go.
type peerKeyCache struct {
	store *Store
}

func newPeerKeyCache(store *Store) *peerKeyCache { return &peerKeyCache{store: store} }

func (c *peerKeyCache) Resolve(peerID string) ([]byte, bool) {
	p, err := c.store.GetPeer(context.Background(), peerID)
	if err != nil || len(p.SigningPubKey) == 0 {
		return nil, false
	}
	return p.SigningPubKey, true
}
