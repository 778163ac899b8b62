package core

// Service surface (§6.5). This is the boundary a REST layer (or the CLI)
// calls into: create/reply to threads, attach files, message a peer, and
// apply moderation decisions. Every method here does the three things the
// spec asks of a writer: persist locally first, then publish — a node
// never re-broadcasts (or in this case originates) an event it failed to
// persist (§5 "ordering guarantees").
//
// Grounded on core/forum.go's CreateThread/CreateReply (persist, then
// gossip-announce) and core/wallet.go's Send (derive id, persist, emit).

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttachmentInput is a file to add to a post, supplied by the caller (§4.9
// "on publishing a file").
type AttachmentInput struct {
	OriginalName string
	MIME         string
	Data         []byte
}

const previewLength = 200

func truncatePreview(body string) string {
	if len(body) <= previewLength {
		return body
	}
	return body[:previewLength]
}

// addAttachments stores each attachment's bytes in the blob store, records
// a File row for it, and announces it via a FileAvailable event so other
// nodes can pull it lazily (§4.3, §4.7, §4.9). A private thread's
// attachments are stored and announced as ciphertext under a per-file
// subkey; only members holding the thread secret can recover the plaintext
// (§3.2, §4.10).
func (n *Node) addAttachments(ctx context.Context, t Thread, postID string, atts []AttachmentInput) ([]File, error) {
	files := make([]File, 0, len(atts))
	for _, a := range atts {
		fileID := uuid.NewString()
		data := a.Data
		if t.Visibility == VisibilityPrivate && len(t.Secret) > 0 {
			key, err := FileSubkey(t.Secret, fileID)
			if err != nil {
				return nil, err
			}
			data, err = Encrypt(key, a.Data, nil)
			if err != nil {
				return nil, err
			}
		}
		digest, err := n.Blobs.AddBytes(ctx, data)
		if err != nil {
			return nil, err
		}
		ticketStr, err := EncodeTicket(Ticket{
			Digest:      digest,
			Size:        int64(len(data)),
			HolderPeers: []string{n.Transport.ID()},
		})
		if err != nil {
			return nil, err
		}
		f := File{
			ID:           fileID,
			PostID:       postID,
			OriginalName: a.OriginalName,
			MIME:         a.MIME,
			Size:         int64(len(data)),
			Digest:       digest,
			Ticket:       ticketStr,
			Present:      true,
		}
		// Keep a plain local copy of the author's own upload under
		// files/uploads (§6.6); the blob store remains the canonical,
		// content-addressed source the network pulls from.
		if n.uploadsDir != "" {
			name := fileID
			if base := filepath.Base(a.OriginalName); base != "" && base != "." && base != string(filepath.Separator) {
				name = fileID + "_" + base
			}
			path := filepath.Join(n.uploadsDir, name)
			if err := os.WriteFile(path, a.Data, 0o644); err != nil {
				nodeLogger.WithError(err).WithField("file", fileID).Warn("failed to copy upload")
			} else {
				f.LocalPath = path
			}
		}
		if err := n.Store.UpsertFile(ctx, f); err != nil {
			return nil, err
		}
		files = append(files, f)

		payload := FileAvailable{
			FileID:       f.ID,
			PostID:       f.PostID,
			OriginalName: f.OriginalName,
			MIME:         f.MIME,
			Size:         f.Size,
			Digest:       f.Digest,
			Ticket:       f.Ticket,
		}
		env, err := EncodeEnvelope(EventFileAvailable, payload, n.Transport.ID(), n.Identity.Sign)
		if err != nil {
			return nil, err
		}
		if err := n.Publisher.Publish(ctx, env); err != nil {
			nodeLogger.WithError(err).WithField("file", f.ID).Warn("failed to announce attachment")
		}
	}
	return files, nil
}

func anyImage(files []File) bool {
	for _, f := range files {
		if strings.HasPrefix(f.MIME, "image/") {
			return true
		}
	}
	return false
}

// buildThreadSnapshot serializes a thread and its current posts into a
// content-addressed blob so a late-joining or diverged node can bulk-load
// it in a single pull (§4.9 "thread snapshots"). Posts from a peer this node
// has blocked are replaced with a reason=blocked_by_sender placeholder
// before the blob is ever written, so a node serving this snapshot to
// another node never hands out content from someone it has chosen not to
// carry (§4.11). Private-thread post bodies are encrypted for the wire; the
// decision to decrypt happens on the consuming side (applyPostUpdate), so
// the exact same snapshot serves both live gossip and bulk ingestion.
func (n *Node) buildThreadSnapshot(ctx context.Context, t Thread) (ticketStr string, postCount int, err error) {
	posts, err := n.Store.ListPostsByThread(ctx, t.ID)
	if err != nil {
		return "", 0, err
	}
	postUpdates := make([]PostUpdate, 0, len(posts))
	for _, p := range posts {
		pu := PostUpdate{
			PostID:       p.ID,
			ThreadID:     p.ThreadID,
			AuthorPeerID: p.AuthorPeerID,
			ParentIDs:    p.Parents,
			Body:         p.Body,
			CreatedAt:    p.CreatedAt.Unix(),
			UpdatedAt:    p.UpdatedAt.Unix(),
		}
		switch {
		case p.Redacted:
			pu.Body = ""
			pu.Redacted = true
			pu.RedactedReason = p.RedactedReason
		default:
			blockedBySender, err := n.Moderator.IsBlocked(ctx, p.AuthorPeerID)
			if err != nil {
				return "", 0, err
			}
			if blockedBySender {
				pu.Body = ""
				pu.Redacted = true
				pu.RedactedReason = ReasonBlockedBySender
			} else if t.Visibility == VisibilityPrivate && len(t.Secret) > 0 {
				encoded, err := EncryptThreadPostBody(t.Secret, pu.Body)
				if err != nil {
					return "", 0, err
				}
				pu.Body = encoded
			}
		}
		postUpdates = append(postUpdates, pu)
	}
	snap := ThreadSnapshot{
		Announcement: ThreadAnnouncement{
			ThreadID:       t.ID,
			CreatorPeerID:  t.CreatorPeerID,
			Title:          t.Title,
			CreatedAt:      t.CreatedAt.Unix(),
			ThreadHash:     t.ThreadHash,
			Topics:         t.Topics,
			Visibility:     t.Visibility,
			SourceURL:      t.SourceURL,
			SourcePlatform: t.SourcePlatform,
		},
		Posts: postUpdates,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", 0, err
	}
	digest, err := n.Blobs.AddBytes(ctx, raw)
	if err != nil {
		return "", 0, err
	}
	ticketStr, err = EncodeTicket(Ticket{Digest: digest, Size: int64(len(raw)), HolderPeers: []string{n.Transport.ID()}})
	return ticketStr, len(postUpdates), err
}

// publishThreadAnnouncement builds and fans out a ThreadAnnouncement for
// thread t's current state (§4.7, §4.8 scenario S6 "a post added to an
// existing thread republishes a fresh ThreadAnnouncement"). A private
// thread routes to its secret-derived topic; a social thread with a
// non-empty Topics list fans out one announcement per named topic (joining
// each first); an empty Topics list sends only to this node's own peer
// topic, the friends-only path (§4.7 routing policy).
func (n *Node) publishThreadAnnouncement(ctx context.Context, t Thread, preview string, postCount int, hasImages bool, ticketStr, hash string) error {
	self := n.Transport.ID()
	payload := ThreadAnnouncement{
		ThreadID:        t.ID,
		CreatorPeerID:   t.CreatorPeerID,
		AnnouncerPeerID: self,
		Title:           t.Title,
		Preview:         preview,
		BlobTicket:      ticketStr,
		PostCount:       postCount,
		HasImages:       hasImages,
		CreatedAt:       t.CreatedAt.Unix(),
		LastActivityAt:  time.Now().UTC().Unix(),
		ThreadHash:      hash,
		Topics:          t.Topics,
		Visibility:      t.Visibility,
		SourceURL:       t.SourceURL,
		SourcePlatform:  t.SourcePlatform,
	}
	env, err := EncodeEnvelope(EventThreadAnnouncement, payload, self, n.Identity.Sign)
	if err != nil {
		return err
	}

	switch {
	case t.Visibility == VisibilityPrivate:
		topicID := TopicIDForPrivateThread(t.ID, t.Secret)
		if err := n.joinAndConsume(ctx, topicID); err != nil {
			nodeLogger.WithError(err).WithField("thread", t.ID).Warn("failed to join private thread topic for announcement")
			return nil
		}
		if err := n.Publisher.PublishToTopic(ctx, topicID, env); err != nil {
			nodeLogger.WithError(err).WithField("thread", t.ID).Warn("failed to announce private thread")
		}
	case len(t.Topics) == 0:
		if err := n.Publisher.PublishToTopic(ctx, TopicIDForPeer(self), env); err != nil {
			nodeLogger.WithError(err).WithField("thread", t.ID).Warn("failed to announce friends-only thread")
		}
	default:
		for _, name := range t.Topics {
			if err := n.JoinTopic(ctx, name); err != nil {
				nodeLogger.WithError(err).WithField("topic", name).Warn("failed to join topic for announcement")
				continue
			}
			if err := n.Publisher.PublishToTopic(ctx, TopicIDForName(name), env); err != nil {
				nodeLogger.WithError(err).WithField("topic", name).Warn("failed to announce thread")
			}
		}
	}
	return nil
}

// distributeThreadKey seals a private thread's secret for each invited
// member's encryption key and delivers it as a ThreadKeyWrap on that
// member's own peer topic, joining it first since this node doesn't
// otherwise follow a stranger's feed (§4.10).
func (n *Node) distributeThreadKey(ctx context.Context, t Thread, memberPeerIDs []string) error {
	self := n.Transport.ID()
	for _, memberID := range memberPeerIDs {
		member, err := n.Store.GetPeer(ctx, memberID)
		if err != nil {
			return err
		}
		if len(member.EncryptionPubKey) == 0 {
			return fmt.Errorf("service: peer %s has no known encryption key", memberID)
		}
		sealed, err := SealThreadSecretFor(member.EncryptionPubKey, t.Secret)
		if err != nil {
			return err
		}
		payload := ThreadKeyWrap{
			ThreadID:        t.ID,
			RecipientPeerID: memberID,
			SealedKey:       sealed,
		}
		env, err := EncodeEnvelope(EventThreadKeyWrap, payload, self, n.Identity.Sign)
		if err != nil {
			return err
		}
		topicID := TopicIDForPeer(memberID)
		if err := n.joinAndConsume(ctx, topicID); err != nil {
			nodeLogger.WithError(err).WithField("member", memberID).Warn("failed to join peer topic for key wrap")
			continue
		}
		if err := n.Publisher.PublishToTopic(ctx, topicID, env); err != nil {
			nodeLogger.WithError(err).WithField("member", memberID).Warn("failed to deliver thread key wrap")
		}
	}
	return nil
}

// CreateThread originates a new thread: it persists the thread and its
// opening post locally, then announces it (§6.5 create_thread). A
// VisibilityPrivate thread ignores topics entirely: it gets a fresh thread
// secret, seals that secret for each of memberPeerIDs via a ThreadKeyWrap,
// encrypts the opening post's body and preview, and routes its announcement
// to the secret-derived private topic instead of any named topic (§4.6,
// §4.10). A social thread with a non-empty topics list fans out one
// ThreadAnnouncement per named topic; an empty list sends only to this
// node's own peer topic, the "friends-only" path (§4.7 routing policy).
func (n *Node) CreateThread(ctx context.Context, title, body string, attachments []AttachmentInput, topics []string, visibility Visibility, memberPeerIDs []string) (Thread, error) {
	threadID := uuid.NewString()
	postID := uuid.NewString()
	now := time.Now().UTC()
	self := n.Transport.ID()

	t := Thread{
		ID:            threadID,
		Title:         title,
		CreatorPeerID: self,
		CreatedAt:     now,
		SyncStatus:    SyncLocal,
		Visibility:    visibility,
		Topics:        topics,
	}
	if visibility == VisibilityPrivate {
		secret, err := NewThreadSecret()
		if err != nil {
			return Thread{}, err
		}
		t.Secret = secret
		t.Topics = nil
	}
	if err := n.Store.UpsertThread(ctx, t); err != nil {
		return Thread{}, err
	}

	postBody := body
	if visibility == VisibilityPrivate {
		encoded, err := EncryptThreadPostBody(t.Secret, body)
		if err != nil {
			return Thread{}, err
		}
		postBody = encoded
	}
	if err := n.Store.UpsertPost(ctx, Post{
		ID:           postID,
		ThreadID:     threadID,
		AuthorPeerID: self,
		Body:         postBody,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return Thread{}, err
	}
	if _, err := n.addAttachments(ctx, t, postID, attachments); err != nil {
		return Thread{}, err
	}
	hash, err := n.Store.RecomputeThreadHash(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}

	t, err = n.Store.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}

	if visibility == VisibilityPrivate {
		if err := n.distributeThreadKey(ctx, t, memberPeerIDs); err != nil {
			return Thread{}, err
		}
	}

	files, err := n.Store.ListFilesForThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	ticketStr, postCount, err := n.buildThreadSnapshot(ctx, t)
	if err != nil {
		return Thread{}, err
	}

	preview := truncatePreview(body)
	if visibility == VisibilityPrivate {
		encoded, err := EncryptThreadPostBody(t.Secret, preview)
		if err != nil {
			return Thread{}, err
		}
		preview = encoded
	}

	if err := n.publishThreadAnnouncement(ctx, t, preview, postCount, anyImage(files), ticketStr, hash); err != nil {
		return Thread{}, err
	}
	return t, nil
}

// CreatePost replies within an existing thread (§6.5 create_post). It
// persists the post (recomputing thread_hash), publishes a PostUpdate for
// nodes already subscribed to the author's routing topic, and then
// republishes a fresh ThreadAnnouncement carrying the updated
// thread_hash/blob_ticket so any node that only knows the thread by its
// earlier snapshot learns a new post exists (§4.7, §4.8 scenario S6).
func (n *Node) CreatePost(ctx context.Context, threadID, body string, parents []string, attachments []AttachmentInput) (Post, error) {
	t, err := n.Store.GetThread(ctx, threadID)
	if err != nil {
		return Post{}, err
	}
	postID := uuid.NewString()
	now := time.Now().UTC()
	self := n.Transport.ID()

	postBody := body
	if t.Visibility == VisibilityPrivate && len(t.Secret) > 0 {
		encoded, err := EncryptThreadPostBody(t.Secret, body)
		if err != nil {
			return Post{}, err
		}
		postBody = encoded
	}

	post := Post{
		ID:           postID,
		ThreadID:     threadID,
		AuthorPeerID: self,
		Body:         postBody,
		CreatedAt:    now,
		UpdatedAt:    now,
		Parents:      parents,
	}
	if err := n.Store.UpsertPost(ctx, post); err != nil {
		return Post{}, err
	}
	if _, err := n.addAttachments(ctx, t, postID, attachments); err != nil {
		return Post{}, err
	}
	hash, err := n.Store.RecomputeThreadHash(ctx, threadID)
	if err != nil {
		return Post{}, err
	}

	payload := PostUpdate{
		PostID:       postID,
		ThreadID:     threadID,
		AuthorPeerID: self,
		ParentIDs:    parents,
		Body:         postBody,
		CreatedAt:    now.Unix(),
		UpdatedAt:    now.Unix(),
	}
	env, err := EncodeEnvelope(EventPostUpdate, payload, self, n.Identity.Sign)
	if err != nil {
		return Post{}, err
	}
	if t.Visibility == VisibilityPrivate {
		topicID := TopicIDForPrivateThread(t.ID, t.Secret)
		if err := n.joinAndConsume(ctx, topicID); err != nil {
			nodeLogger.WithError(err).WithField("thread", threadID).Warn("failed to join private thread topic")
		} else if err := n.Publisher.PublishToTopic(ctx, topicID, env); err != nil {
			nodeLogger.WithError(err).WithField("post", postID).Warn("failed to announce post")
		}
	} else if err := n.Publisher.Publish(ctx, env); err != nil {
		nodeLogger.WithError(err).WithField("post", postID).Warn("failed to announce post")
	}

	t, err = n.Store.GetThread(ctx, threadID)
	if err != nil {
		return Post{}, err
	}
	files, err := n.Store.ListFilesForThread(ctx, threadID)
	if err != nil {
		return Post{}, err
	}
	ticketStr, postCount, err := n.buildThreadSnapshot(ctx, t)
	if err != nil {
		return Post{}, err
	}

	preview := truncatePreview(body)
	if t.Visibility == VisibilityPrivate && len(t.Secret) > 0 {
		encoded, err := EncryptThreadPostBody(t.Secret, preview)
		if err != nil {
			return Post{}, err
		}
		preview = encoded
	}
	if err := n.publishThreadAnnouncement(ctx, t, preview, postCount, anyImage(files), ticketStr, hash); err != nil {
		return Post{}, err
	}
	return n.Store.GetPost(ctx, postID)
}

// SendDM encrypts and persists a direct message, then announces it on the
// conversation's secret-derived topic, not the recipient's public peer
// topic, so arbitrary subscribers of that peer's feed never see this
// conversation's metadata (§4.7, §4.10, §6.5 send_dm).
func (n *Node) SendDM(ctx context.Context, toPeerID, body string) (DirectMessage, error) {
	peer, err := n.Store.GetPeer(ctx, toPeerID)
	if err != nil {
		return DirectMessage{}, err
	}
	if len(peer.EncryptionPubKey) == 0 {
		return DirectMessage{}, fmt.Errorf("service: peer %s has no known encryption key", toPeerID)
	}
	ciphertext, nonce, err := EncryptDirectMessage(n.Identity, peer.EncryptionPubKey, []byte(body))
	if err != nil {
		return DirectMessage{}, err
	}
	sharedSecret, err := n.Identity.ECDHSharedSecret(peer.EncryptionPubKey)
	if err != nil {
		return DirectMessage{}, err
	}

	self := n.Transport.ID()
	conversationID := conversationIDFor(self, toPeerID)
	now := time.Now().UTC()
	msg := DirectMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FromPeerID:     self,
		ToPeerID:       toPeerID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		CreatedAt:      now,
	}
	if err := n.Store.InsertDirectMessage(ctx, msg); err != nil {
		return DirectMessage{}, err
	}

	payload := DirectMessageEvent{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		FromPeerID:     self,
		ToPeerID:       toPeerID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		CreatedAt:      now.Unix(),
	}
	env, err := EncodeEnvelope(EventDirectMessage, payload, self, n.Identity.Sign)
	if err != nil {
		return DirectMessage{}, err
	}
	topicID := TopicIDForConversation(conversationID, sharedSecret)
	if err := n.joinAndConsume(ctx, topicID); err != nil {
		nodeLogger.WithError(err).WithField("conversation", conversationID).Warn("failed to join dm topic")
	} else if err := n.Publisher.PublishToTopic(ctx, topicID, env); err != nil {
		nodeLogger.WithError(err).WithField("conversation", conversationID).Warn("failed to deliver dm")
	}
	return msg, nil
}

// React records and publishes a signed emoji reaction by this node on a
// post (§4.1 reactions, §4.7 ReactionUpdate routing). The reaction row is
// persisted first, carrying the same signature the envelope travels with,
// so a remote node re-verifying it sees exactly the bytes this node signed.
func (n *Node) React(ctx context.Context, postID, emoji string) (Reaction, error) {
	if _, err := n.Store.GetPost(ctx, postID); err != nil {
		return Reaction{}, err
	}
	self := n.Transport.ID()
	now := time.Now().UTC()
	payload := ReactionUpdate{
		PostID:    postID,
		Emoji:     emoji,
		ReactorID: self,
		Action:    "add",
		CreatedAt: now.Unix(),
	}
	env, err := EncodeEnvelope(EventReactionUpdate, payload, self, n.Identity.Sign)
	if err != nil {
		return Reaction{}, err
	}
	r := Reaction{
		PostID:    postID,
		Emoji:     emoji,
		ReactorID: self,
		Signature: env.Signature,
		CreatedAt: now,
	}
	if err := n.Store.UpsertReaction(ctx, r); err != nil {
		return Reaction{}, err
	}
	if err := n.Publisher.Publish(ctx, env); err != nil {
		nodeLogger.WithError(err).WithField("post", postID).Warn("failed to publish reaction")
	}
	return r, nil
}

// Unreact withdraws this node's own reaction on a post. Only the original
// reactor can remove a reaction (§9 Open Question #2); remote nodes
// enforce that by checking the removal envelope's signer against the
// reaction's reactor id (applyReactionUpdate).
func (n *Node) Unreact(ctx context.Context, postID, emoji string) error {
	self := n.Transport.ID()
	payload := ReactionUpdate{
		PostID:    postID,
		Emoji:     emoji,
		ReactorID: self,
		Action:    "remove",
		CreatedAt: time.Now().UTC().Unix(),
	}
	env, err := EncodeEnvelope(EventReactionUpdate, payload, self, n.Identity.Sign)
	if err != nil {
		return err
	}
	if err := n.Store.RemoveReaction(ctx, postID, emoji, self); err != nil {
		return err
	}
	if err := n.Publisher.Publish(ctx, env); err != nil {
		nodeLogger.WithError(err).WithField("post", postID).Warn("failed to publish reaction removal")
	}
	return nil
}

// ListReactionsForPost returns every reaction on a post (§4.1
// list_for_post), for the (out-of-scope) UI and the CLI.
func (n *Node) ListReactionsForPost(ctx context.Context, postID string) ([]Reaction, error) {
	return n.Store.ListReactions(ctx, postID)
}

// UpdateProfile publishes a signed alias/bio change on this node's own
// peer topic, where followers pick it up (§4.7 ProfileUpdate routing).
func (n *Node) UpdateProfile(ctx context.Context, alias, bio string) error {
	self := n.Transport.ID()
	payload := ProfileUpdate{
		PeerID:    self,
		Alias:     alias,
		Bio:       bio,
		UpdatedAt: time.Now().UTC().Unix(),
	}
	env, err := EncodeEnvelope(EventProfileUpdate, payload, self, n.Identity.Sign)
	if err != nil {
		return err
	}
	return n.Publisher.Publish(ctx, env)
}

// conversationIDFor is deterministic under peer-pair swap (§3.1, §6.3):
// digest("dm-v1:"+sort([a,b]).join(":")), so both participants compute the
// same id regardless of who's "from" and who's "to".
func conversationIDFor(a, b string) string {
	if a > b {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte("dm-v1:" + a + ":" + b))
	return fmt.Sprintf("%x", sum[:32])
}

// BlockPeer records a local moderation decision, redacts that peer's
// existing posts in place, and publishes a BlockAction so subscribers of
// this node's blocklist converge on the same decision (§4.11, §6.5
// block_peer).
func (n *Node) BlockPeer(ctx context.Context, peerID, reason string) error {
	if err := n.Moderator.Block(ctx, peerID, reason); err != nil {
		return err
	}
	if err := n.Moderator.RedactExistingPosts(ctx, peerID); err != nil {
		return err
	}

	self := n.Transport.ID()
	payload := BlockAction{
		MaintainerID: self,
		PeerID:       peerID,
		Reason:       reason,
		Action:       "add",
		CreatedAt:    time.Now().UTC().Unix(),
	}
	env, err := EncodeEnvelope(EventBlockAction, payload, self, n.Identity.Sign)
	if err != nil {
		return err
	}
	if err := n.Publisher.Publish(ctx, env); err != nil {
		nodeLogger.WithError(err).WithField("peer", peerID).Warn("failed to publish block action")
	}
	return nil
}

// SubscribeBlocklist starts tracking a remote moderator's published
// blocklist (§4.11, §6.5 subscribe_blocklist). Entries are filled in as
// the maintainer's BlockAction events are ingested; this call only records
// the subscription.
func (n *Node) SubscribeBlocklist(ctx context.Context, id, maintainerID string, autoApply bool) error {
	return n.Moderator.SubscribeBlocklist(ctx, BlocklistSubscription{
		ID:           id,
		MaintainerID: maintainerID,
		Name:         id,
		AutoApply:    autoApply,
		LastSyncedAt: time.Time{},
	})
}

// DownloadThread forces a thread's content to be pulled even if it is only
// known as `announced`, regardless of whether a divergence was ever
// detected (§6.5 download_thread, §8.2 scenario S1).
func (n *Node) DownloadThread(ctx context.Context, threadID string) (Thread, error) {
	t, err := n.Store.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if t.SyncStatus == SyncDownloaded || t.SyncStatus == SyncLocal {
		return t, nil
	}

	// The announcement that first told us about this thread carried its
	// blob ticket, persisted onto the thread row; BlobSync.ResyncThread is
	// the same pull path a divergence-driven resync uses, so this is just
	// that operation triggered manually instead of automatically (§6.5
	// download_thread, §8.2 scenario S1).
	if err := n.BlobSync.ResyncThread(ctx, n.Ingest, threadID, t.BlobTicket); err != nil {
		return Thread{}, err
	}
	return n.Store.GetThread(ctx, threadID)
}

// ReadFile returns an attachment's plaintext bytes for local viewing
// (§3.2 "decrypted form exists only in-process for authorized viewers").
// For a private thread's file, the per-file subkey is derived from the
// thread secret; a node holding the ciphertext but not the secret gets
// ErrDecryptionFailed.
func (n *Node) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := n.Store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	data, err := n.Blobs.Export(f.Digest)
	if err != nil {
		return nil, err
	}
	post, err := n.Store.GetPost(ctx, f.PostID)
	if err != nil {
		return nil, err
	}
	t, err := n.Store.GetThread(ctx, post.ThreadID)
	if err != nil {
		return nil, err
	}
	if t.Visibility == VisibilityPrivate {
		if len(t.Secret) == 0 {
			return nil, ErrDecryptionFailed
		}
		key, err := FileSubkey(t.Secret, f.ID)
		if err != nil {
			return nil, err
		}
		return Decrypt(key, data, nil)
	}
	return data, nil
}

// AnnounceThreadToTopic adds a topic to an existing social thread's topic
// set and re-announces the thread there, so a thread originally posted
// friends-only (or to other topics) can later reach a wider audience
// (§4.1 associate_thread, §4.7 routing).
func (n *Node) AnnounceThreadToTopic(ctx context.Context, threadID, topicName string) error {
	t, err := n.Store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if t.Visibility == VisibilityPrivate {
		return fmt.Errorf("service: a private thread cannot be announced to a named topic")
	}
	if err := n.Store.AssociateThreadTopic(ctx, threadID, topicName); err != nil {
		return err
	}
	t, err = n.Store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	files, err := n.Store.ListFilesForThread(ctx, threadID)
	if err != nil {
		return err
	}
	ticketStr, postCount, err := n.buildThreadSnapshot(ctx, t)
	if err != nil {
		return err
	}
	return n.publishThreadAnnouncement(ctx, t, "", postCount, anyImage(files), ticketStr, t.ThreadHash)
}

// ListTopics returns the names of every topic this node currently follows
// (§6.5 list_topics).
func (n *Node) ListTopics(ctx context.Context) ([]string, error) {
	subs, err := n.Store.ListTopicSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.TopicName)
	}
	return names, nil
}
