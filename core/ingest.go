package core

// Ingest worker (C8, §4.8). A single consumer drains every joined topic's
// gossip channel, verifies and deduplicates each envelope, applies it to
// the store, and rebroadcasts ThreadAnnouncements (with this node as the
// announcer) so peers beyond the sender's direct mesh eventually receive
// them too. Single-consumer by construction (§5): no
// cross-event locking is needed because only one goroutine ever mutates
// thread/post state from the network path.
//
// Grounded on core/replication.go's readLoop/handleMsg single-consumer
// dispatch loop and core/forum.go's "materialize a parent stub before a
// child" persistence shape.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var ingestLogger = logrus.StandardLogger()

// SetIngestLogger overrides the package-level logger.
func SetIngestLogger(l *logrus.Logger) { ingestLogger = l }

// SigningKeyResolver looks up a peer's known Ed25519 public key, used to
// verify envelope signatures (§4.7, §4.8).
type SigningKeyResolver func(peerID string) (pub []byte, ok bool)

// DivergenceHandler is notified when an incoming ThreadAnnouncement's hash
// disagrees with the locally stored one, so C9 can schedule a full
// re-download (§4.8 "divergence-driven resync", scenario S6).
type DivergenceHandler func(threadID, blobTicket string)

// Ingest owns the single consumer goroutine over a set of gossip channels.
type Ingest struct {
	store        *Store
	blobs        *BlobStore
	moderator    *Moderator
	publisher    *Publisher
	resolveKey   SigningKeyResolver
	localPeerID  string
	identity     *Identity
	onDivergence DivergenceHandler
	blobSync     *BlobSync
}

// NewIngest wires the ingest worker to its collaborators. publisher may be
// nil if rebroadcast is not desired (e.g. in tests). localPeerID is this
// node's transport peer id, stamped onto a ThreadAnnouncement's
// announcer_peer_id on rebroadcast (§4.8). identity unseals ThreadKeyWrap
// events addressed to this node (§4.10).
func NewIngest(store *Store, blobs *BlobStore, moderator *Moderator, publisher *Publisher, localPeerID string, identity *Identity, resolveKey SigningKeyResolver) *Ingest {
	return &Ingest{store: store, blobs: blobs, moderator: moderator, publisher: publisher, localPeerID: localPeerID, identity: identity, resolveKey: resolveKey}
}

// SetDivergenceHandler registers the callback invoked on hash divergence.
func (ig *Ingest) SetDivergenceHandler(h DivergenceHandler) { ig.onDivergence = h }

// SetBlobSync wires C9 in after construction (node.go builds the Ingest
// before the BlobSync that depends on its publisher), so applyFileAvailable
// and applyPostUpdate can defer-until-parent and trigger the deferred pull
// the moment the owning post arrives (§4.8, §4.9).
func (ig *Ingest) SetBlobSync(bs *BlobSync) { ig.blobSync = bs }

// Consume runs the single-consumer loop over one topic's message channel
// until ctx is cancelled or the channel closes. Callers start one Consume
// goroutine per joined topic (§5); because every one ultimately calls the
// same Ingest.apply under no additional locking, concurrent Consume
// goroutines across different topics are safe — the Store itself
// serializes writes.
func (ig *Ingest) Consume(ctx context.Context, topicID string, messages <-chan GossipMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := ig.handle(ctx, topicID, msg); err != nil {
				ingestLogger.WithError(err).WithField("topic", topicID).Debug("ingest: dropped message")
			}
		}
	}
}

func (ig *Ingest) handle(ctx context.Context, topicID string, msg GossipMessage) error {
	env, err := DecodeEnvelope(msg.Data, ig.resolveKey)
	if err != nil {
		return err
	}

	fp, err := env.Fingerprint()
	if err != nil {
		return err
	}
	seen, err := ig.store.SeenFingerprint(ctx, fp)
	if err != nil {
		return err
	}
	if seen {
		return nil // dedup: already ingested, still a valid no-op (§4.8 idempotence)
	}

	if err := ig.apply(ctx, env); err != nil {
		return err
	}

	// §4.8 "re-broadcast for transitive reach": only ThreadAnnouncements are
	// re-published at the application layer (with this node stamped as the
	// new announcer); every other kind already floods transitively at the
	// mesh layer and repeating it here would only duplicate traffic.
	if ig.publisher != nil && env.Kind == EventThreadAnnouncement {
		if err := ig.publisher.RebroadcastWithAnnouncerRewrite(ctx, topicID, ig.localPeerID, env); err != nil {
			ingestLogger.WithError(err).Debug("rebroadcast failed")
		}
	}
	return nil
}

// ensurePeer materializes a stub peer row for an author seen in gossip
// before any friendcode or profile introduced it, so every post's
// author_peer_id resolves to a peer row (§3.2, §4.8 causal repair). An
// existing row is left untouched.
func (ig *Ingest) ensurePeer(ctx context.Context, peerID string) error {
	if peerID == "" {
		return nil
	}
	_, err := ig.store.GetPeer(ctx, peerID)
	switch {
	case err == nil:
		return nil
	case err == ErrNotFound:
		return ig.store.UpsertPeer(ctx, Peer{
			ID:         peerID,
			LastSeen:   time.Now().UTC(),
			TrustState: TrustUnknown,
		})
	default:
		return err
	}
}

func (ig *Ingest) apply(ctx context.Context, env Envelope) error {
	// §4.11 "block enforcement": a blocked peer's events are discarded
	// entirely, except that their posts are kept as redacted placeholders so
	// the DAG stays connected — applyPostUpdate does that itself, so it runs
	// unconditionally below rather than being caught by this early return.
	if env.Kind != EventPostUpdate && ig.moderator != nil {
		blocked, err := ig.moderator.IsBlocked(ctx, env.AnnouncerPeerID)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}
	}

	switch env.Kind {
	case EventThreadAnnouncement:
		return ig.applyThreadAnnouncement(ctx, env)
	case EventPostUpdate:
		return ig.applyPostUpdate(ctx, env)
	case EventFileAvailable:
		return ig.applyFileAvailable(ctx, env)
	case EventReactionUpdate:
		return ig.applyReactionUpdate(ctx, env)
	case EventBlockAction:
		return ig.applyBlockAction(ctx, env)
	case EventThreadKeyWrap:
		return ig.applyThreadKeyWrap(ctx, env)
	case EventProfileUpdate:
		return ig.applyProfileUpdate(ctx, env)
	case EventDirectMessage:
		return ig.applyDirectMessage(ctx, env)
	default:
		return fmt.Errorf("ingest: unhandled kind %q", env.Kind)
	}
}

func (ig *Ingest) applyThreadAnnouncement(ctx context.Context, env Envelope) error {
	var p ThreadAnnouncement
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}

	if err := ig.ensurePeer(ctx, p.CreatorPeerID); err != nil {
		return err
	}

	existing, err := ig.store.GetThread(ctx, p.ThreadID)
	switch {
	case err == nil:
		if existing.SyncStatus == SyncLocal {
			// This node originated the thread; a relayed copy of our own
			// announcement (or a stale one) never overwrites local state.
			return nil
		}
		// Already known locally. A hash that disagrees with what we last
		// computed for our own copy means the announcer's view of the
		// thread has content ours doesn't (or vice versa); trigger a
		// resync rather than silently trusting the new announcement's
		// metadata over posts we may already hold (§4.8 divergence-driven
		// resync, scenario S6).
		if existing.ThreadHash != "" && p.ThreadHash != "" && existing.ThreadHash != p.ThreadHash {
			if ig.onDivergence != nil {
				ig.onDivergence(p.ThreadID, p.BlobTicket)
			}
			if existing.SyncStatus == SyncDownloaded {
				existing.SyncStatus = SyncDownloading
			}
		}
		existing.Title = p.Title
		existing.BlobTicket = p.BlobTicket
		existing.Topics = p.Topics
		existing.SourceURL = p.SourceURL
		existing.SourcePlatform = p.SourcePlatform
		return ig.store.UpsertThread(ctx, existing)
	case err == ErrNotFound:
		t := Thread{
			ID:             p.ThreadID,
			Title:          p.Title,
			CreatorPeerID:  p.CreatorPeerID,
			CreatedAt:      time.Unix(p.CreatedAt, 0).UTC(),
			Visibility:     p.Visibility,
			ThreadHash:     p.ThreadHash,
			BlobTicket:     p.BlobTicket,
			Topics:         p.Topics,
			SyncStatus:     SyncAnnounced,
			SourceURL:      p.SourceURL,
			SourcePlatform: p.SourcePlatform,
		}
		if err := ig.store.UpsertThread(ctx, t); err != nil {
			return err
		}
		if p.ThreadHash != "" && ig.onDivergence != nil {
			// We have no posts at all yet; any non-empty remote hash
			// means there is content worth pulling.
			ig.onDivergence(p.ThreadID, p.BlobTicket)
		}
		return nil
	default:
		return err
	}
}

func (ig *Ingest) applyPostUpdate(ctx context.Context, env Envelope) error {
	var p PostUpdate
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if err := ig.ensurePeer(ctx, p.AuthorPeerID); err != nil {
		return err
	}

	// Causal repair (§4.8): a post may arrive before its thread. Materialize
	// a stub thread so the foreign key holds; the real ThreadAnnouncement,
	// when it arrives, upserts over it without disturbing posts already
	// attached. The stub is also consulted below to decrypt a private
	// thread's post bodies once the key wrap has already arrived.
	thread, err := ig.store.GetThread(ctx, p.ThreadID)
	switch {
	case err == ErrNotFound:
		thread = Thread{
			ID:         p.ThreadID,
			CreatedAt:  time.Now().UTC(),
			SyncStatus: SyncAnnounced,
			Visibility: VisibilitySocial,
		}
		if err := ig.store.UpsertThread(ctx, thread); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	// Causal repair for parents: a reply may race ahead of one of its
	// parents. Materialize a stub post (empty body, not redacted) so the
	// DAG edge holds; it is overwritten in place once the real parent
	// envelope arrives, since UpsertPost updates body on conflict.
	for _, parentID := range p.ParentIDs {
		if _, err := ig.store.GetPost(ctx, parentID); err == ErrNotFound {
			if err := ig.store.UpsertPost(ctx, Post{
				ID:        parentID,
				ThreadID:  p.ThreadID,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	blocked := false
	if ig.moderator != nil {
		var err error
		blocked, err = ig.moderator.IsBlocked(ctx, p.AuthorPeerID)
		if err != nil {
			return err
		}
	}

	post := Post{
		ID:           p.PostID,
		ThreadID:     p.ThreadID,
		AuthorPeerID: p.AuthorPeerID,
		Body:         p.Body,
		CreatedAt:    time.Unix(p.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(p.UpdatedAt, 0).UTC(),
		Parents:      p.ParentIDs,
	}
	switch {
	case blocked:
		// §4.11 "block enforcement": content from a blocked peer is
		// discarded except for a redacted placeholder that keeps the DAG
		// connected. blocked_locally takes priority over any redaction
		// the sender already applied, since it is this node's own
		// moderation decision being applied to inbound content.
		post.Body = ""
		post.Redacted = true
		post.RedactedReason = ReasonBlockedLocally
	case p.Redacted:
		// The sender already substituted a placeholder when it served
		// this post — reason=blocked_by_sender from C9's thread-serving
		// path (§4.11 "when this node serves a thread blob to another
		// node"). Honor it rather than re-deriving local state.
		post.Body = ""
		post.Redacted = true
		post.RedactedReason = p.RedactedReason
	case thread.Visibility == VisibilityPrivate && len(thread.Secret) > 0 && p.Body != "":
		if plain, err := DecryptThreadPostBody(thread.Secret, p.Body); err == nil {
			post.Body = plain
		} else {
			ingestLogger.WithError(err).WithField("post", p.PostID).Debug("failed to decrypt private post body")
		}
	}
	if err := ig.store.UpsertPost(ctx, post); err != nil {
		return err
	}

	// §4.8/§4.9: this post may be the parent a previously-received
	// FileAvailable was waiting on; resolve and pull anything deferred.
	if ig.blobSync != nil {
		files, err := ig.store.ListFilesForPost(ctx, p.PostID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if ig.blobSync.ResolveDeferred(f.ID) {
				ig.blobSync.TriggerPull(ctx, f)
			}
		}
	}

	_, err = ig.store.RecomputeThreadHash(ctx, p.ThreadID)
	return err
}

func (ig *Ingest) applyFileAvailable(ctx context.Context, env Envelope) error {
	var p FileAvailable
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	f := File{
		ID:           p.FileID,
		PostID:       p.PostID,
		OriginalName: p.OriginalName,
		MIME:         p.MIME,
		Size:         p.Size,
		Digest:       p.Digest,
		Ticket:       p.Ticket,
		Present:      ig.blobs != nil && ig.blobs.Has(p.Digest),
	}
	if err := ig.store.UpsertFile(ctx, f); err != nil {
		return err
	}

	// §4.8/§4.9: if the owning post hasn't arrived yet, defer — the pull
	// is triggered from applyPostUpdate once the post materializes.
	// Otherwise the post is already here, so pull right away instead of
	// waiting for the periodic sweep.
	if _, err := ig.store.GetPost(ctx, p.PostID); err == ErrNotFound {
		if ig.blobSync != nil {
			ig.blobSync.DeferUntilParent(p.FileID)
		}
	} else if err != nil {
		return err
	} else if ig.blobSync != nil {
		ig.blobSync.TriggerPull(ctx, f)
	}
	return nil
}

func (ig *Ingest) applyReactionUpdate(ctx context.Context, env Envelope) error {
	var p ReactionUpdate
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	switch p.Action {
	case "add":
		return ig.store.UpsertReaction(ctx, Reaction{
			PostID:    p.PostID,
			Emoji:     p.Emoji,
			ReactorID: p.ReactorID,
			Signature: env.Signature,
			CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		})
	case "remove":
		// §9 Open Question #2: only the original reactor may remove,
		// enforced upstream by requiring the removal envelope's signature
		// (verified by DecodeEnvelope) to come from ReactorID itself —
		// env.AnnouncerPeerID must match p.ReactorID.
		if env.AnnouncerPeerID != p.ReactorID {
			return fmt.Errorf("ingest: reaction removal not signed by reactor")
		}
		return ig.store.RemoveReaction(ctx, p.PostID, p.Emoji, p.ReactorID)
	default:
		return fmt.Errorf("ingest: unknown reaction action %q", p.Action)
	}
}

func (ig *Ingest) applyBlockAction(ctx context.Context, env Envelope) error {
	var p BlockAction
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if env.AnnouncerPeerID != p.MaintainerID {
		return fmt.Errorf("ingest: block action not signed by its maintainer")
	}
	// A maintainer's BlockAction only touches the cached entries of lists
	// this node explicitly subscribed to; it never becomes a direct local
	// block (§4.11 "blocklists ... never grant anyone write access to
	// local state except as auto-apply blocks").
	subs, err := ig.store.ListBlocklistSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.MaintainerID != p.MaintainerID {
			continue
		}
		switch p.Action {
		case "add":
			if err := ig.store.UpsertBlocklistEntry(ctx, BlocklistEntry{
				BlocklistID: sub.ID,
				PeerID:      p.PeerID,
				Reason:      p.Reason,
				AddedAt:     time.Unix(p.CreatedAt, 0).UTC(),
			}); err != nil {
				return err
			}
		case "remove":
			if err := ig.store.RemoveBlocklistEntry(ctx, sub.ID, p.PeerID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("ingest: unknown block action %q", p.Action)
		}
	}
	return nil
}

func (ig *Ingest) applyProfileUpdate(ctx context.Context, env Envelope) error {
	var p ProfileUpdate
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if env.AnnouncerPeerID != p.PeerID {
		return fmt.Errorf("ingest: profile update not signed by its subject")
	}
	peer, err := ig.store.GetPeer(ctx, p.PeerID)
	switch {
	case err == ErrNotFound:
		peer = Peer{ID: p.PeerID, TrustState: TrustUnknown}
	case err != nil:
		return err
	}
	peer.Alias = p.Alias
	peer.LastSeen = time.Now().UTC()
	return ig.store.UpsertPeer(ctx, peer)
}

// applyDirectMessage persists an inbound encrypted DM. The conversation
// topic is secret-derived (§6.3), so only the two participants are ever
// subscribed; still, the body stays ciphertext at rest — decryption happens
// on read, when the UI asks for the conversation (§4.10).
func (ig *Ingest) applyDirectMessage(ctx context.Context, env Envelope) error {
	var p DirectMessageEvent
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if p.ToPeerID != ig.localPeerID && p.FromPeerID != ig.localPeerID {
		return nil
	}
	if err := ig.ensurePeer(ctx, p.FromPeerID); err != nil {
		return err
	}
	return ig.store.InsertDirectMessage(ctx, DirectMessage{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		FromPeerID:     p.FromPeerID,
		ToPeerID:       p.ToPeerID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		CreatedAt:      time.Unix(p.CreatedAt, 0).UTC(),
	})
}

// applyThreadKeyWrap unseals a private thread's secret when this node is
// the wrap's intended recipient, persisting it onto the (possibly still
// stub) thread row so subsequent PostUpdate/ThreadAnnouncement decryption
// can proceed (§4.10).
func (ig *Ingest) applyThreadKeyWrap(ctx context.Context, env Envelope) error {
	var p ThreadKeyWrap
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if p.RecipientPeerID != ig.localPeerID || ig.identity == nil {
		// Not addressed to this node, or no identity available to unseal
		// with (e.g. a test harness); nothing more to do beyond the
		// dedup fingerprint already recorded by handle.
		return nil
	}
	secret, err := ig.identity.OpenThreadKeyWrap(p.SealedKey)
	if err != nil {
		return utils.Wrap(err, "ingest: open thread key wrap")
	}

	t, err := ig.store.GetThread(ctx, p.ThreadID)
	switch {
	case err == nil:
		t.Secret = secret
		t.Visibility = VisibilityPrivate
		return ig.store.UpsertThread(ctx, t)
	case err == ErrNotFound:
		// Causal repair (§4.8): the key wrap may race ahead of the
		// ThreadAnnouncement it belongs to.
		return ig.store.UpsertThread(ctx, Thread{
			ID:         p.ThreadID,
			CreatedAt:  time.Now().UTC(),
			SyncStatus: SyncAnnounced,
			Visibility: VisibilityPrivate,
			Secret:     secret,
		})
	default:
		return err
	}
}

// CheckDivergence compares a remote-announced thread_hash against the
// local one and, on mismatch, returns true to signal C9 that a resync is
// needed (§4.8 "divergence-driven resync").
func (ig *Ingest) CheckDivergence(ctx context.Context, threadID, remoteThreadHash string) (bool, error) {
	local, err := ig.store.GetThread(ctx, threadID)
	if err != nil {
		if err == ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return local.ThreadHash != remoteThreadHash, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return utils.Wrap(err, "ingest: decode "+string(env.Kind))
	}
	return nil
}
