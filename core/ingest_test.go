package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

type ingestHarness struct {
	store     *Store
	blobs     *BlobStore
	moderator *Moderator
	ingest    *Ingest
	author    *Identity
	authorID  string
	recipient *Identity
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "graphchan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	blobs := newTestBlobStore(t)
	moderator := NewModerator(store)
	author := newTestIdentity(t)
	authorID := "author-peer-id"

	if err := store.UpsertPeer(context.Background(), Peer{
		ID:            authorID,
		SigningPubKey: author.SigningPublicKey(),
		TrustState:    TrustKnown,
	}); err != nil {
		t.Fatalf("seed author peer: %v", err)
	}

	resolve := func(peerID string) ([]byte, bool) {
		p, err := store.GetPeer(context.Background(), peerID)
		if err != nil || len(p.SigningPubKey) == 0 {
			return nil, false
		}
		return p.SigningPubKey, true
	}
	recipient := newTestIdentity(t)
	ig := NewIngest(store, blobs, moderator, nil, "local-peer-id", recipient, resolve)
	return &ingestHarness{store: store, blobs: blobs, moderator: moderator, ingest: ig, author: author, authorID: authorID, recipient: recipient}
}

func (h *ingestHarness) postEnvelope(t *testing.T, threadID, postID string, parents []string, body string, updatedAt int64) Envelope {
	t.Helper()
	payload := PostUpdate{
		PostID:       postID,
		ThreadID:     threadID,
		AuthorPeerID: h.authorID,
		ParentIDs:    parents,
		Body:         body,
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
	}
	env, err := EncodeEnvelope(EventPostUpdate, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return env
}

// Testable property 5 (idempotent ingest) and 8 (dedup monotonicity):
// re-delivering the exact same envelope must not create a second post row
// or otherwise change store state.
func TestIngestIsIdempotentOnRedelivery(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	env := h.postEnvelope(t, "thread-1", "post-1", nil, "hello mesh", 1000)

	if err := h.ingest.handle(ctx, "topic-1", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-1", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	posts, err := h.store.ListPostsByThread(ctx, "thread-1")
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected exactly one post after duplicate delivery, got %d", len(posts))
	}
}

// Testable property 6 (DAG preservation under block): a blocked peer's
// posts are stored as redacted placeholders, not dropped outright, so
// their children's parent edges still resolve.
func TestBlockedPeerPostsAreRedactedNotDropped(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	if err := h.moderator.Block(ctx, h.authorID, "spam"); err != nil {
		t.Fatalf("block: %v", err)
	}

	env := h.postEnvelope(t, "thread-2", "post-2", nil, "should be redacted", 1000)
	if err := h.ingest.handle(ctx, "topic-2", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, err := h.store.GetPost(ctx, "post-2")
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !post.Redacted || post.Body != "" {
		t.Fatalf("expected blocked peer's post to be redacted with empty body, got redacted=%v body=%q", post.Redacted, post.Body)
	}
	if post.RedactedReason != ReasonBlockedLocally {
		t.Fatalf("expected reason %q, got %q", ReasonBlockedLocally, post.RedactedReason)
	}

	// A reply from someone else must still resolve its parent edge even
	// though the parent's content was redacted.
	replyEnv := h.postEnvelope(t, "thread-2", "post-3", []string{"post-2"}, "reply text", 1001)
	if err := h.ingest.handle(ctx, "topic-2", GossipMessage{Data: mustMarshalEnvelope(t, replyEnv)}); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	reply, err := h.store.GetPost(ctx, "post-3")
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if len(reply.Parents) != 1 || reply.Parents[0] != "post-2" {
		t.Fatalf("expected reply's DAG edge to survive parent redaction, got parents=%v", reply.Parents)
	}
}

// Testable property 9 (divergence triggers resync): a ThreadAnnouncement
// whose thread_hash disagrees with the local one must invoke the
// registered DivergenceHandler.
func TestThreadAnnouncementDivergenceTriggersHandler(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertThread(ctx, Thread{
		ID:         "thread-3",
		Title:      "original",
		ThreadHash: "hash-a",
		SyncStatus: SyncDownloaded,
		Visibility: VisibilitySocial,
	}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	var gotThreadID, gotTicket string
	calls := 0
	h.ingest.SetDivergenceHandler(func(threadID, blobTicket string) {
		calls++
		gotThreadID, gotTicket = threadID, blobTicket
	})

	payload := ThreadAnnouncement{
		ThreadID:      "thread-3",
		CreatorPeerID: h.authorID,
		Title:         "original",
		ThreadHash:    "hash-b",
		BlobTicket:    "some-ticket",
		Visibility:    VisibilitySocial,
	}
	env, err := EncodeEnvelope(EventThreadAnnouncement, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-3", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected divergence handler to fire exactly once, got %d", calls)
	}
	if gotThreadID != "thread-3" || gotTicket != "some-ticket" {
		t.Fatalf("unexpected divergence callback args: thread=%q ticket=%q", gotThreadID, gotTicket)
	}

	updated, err := h.store.GetThread(ctx, "thread-3")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if updated.SyncStatus != SyncDownloading {
		t.Fatalf("expected sync_status to drop back to downloading on divergence, got %q", updated.SyncStatus)
	}
}

// A ThreadAnnouncement whose hash matches the local one must not trigger a
// resync — divergence detection should not fire on agreement.
func TestThreadAnnouncementNoDivergenceWhenHashesMatch(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertThread(ctx, Thread{
		ID:         "thread-4",
		Title:      "steady",
		ThreadHash: "same-hash",
		SyncStatus: SyncDownloaded,
		Visibility: VisibilitySocial,
	}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	calls := 0
	h.ingest.SetDivergenceHandler(func(string, string) { calls++ })

	payload := ThreadAnnouncement{
		ThreadID:      "thread-4",
		CreatorPeerID: h.authorID,
		Title:         "steady",
		ThreadHash:    "same-hash",
		Visibility:    VisibilitySocial,
	}
	env, err := EncodeEnvelope(EventThreadAnnouncement, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-4", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no divergence callback when hashes agree, got %d calls", calls)
	}
}

// Causal repair: a PostUpdate whose thread hasn't been announced yet still
// lands, materializing a stub thread first.
func TestPostUpdateMaterializesStubThread(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	env := h.postEnvelope(t, "thread-unknown", "post-x", nil, "ahead of its thread", 500)
	if err := h.ingest.handle(ctx, "topic-5", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	thread, err := h.store.GetThread(ctx, "thread-unknown")
	if err != nil {
		t.Fatalf("expected stub thread to be materialized: %v", err)
	}
	if thread.SyncStatus != SyncAnnounced {
		t.Fatalf("expected stub thread sync_status=announced, got %q", thread.SyncStatus)
	}
	post, err := h.store.GetPost(ctx, "post-x")
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if post.Body != "ahead of its thread" {
		t.Fatalf("unexpected post body: %q", post.Body)
	}
}

// Testable property 10 (deferred download completion) / scenario S3: a
// FileAvailable for a post that hasn't arrived yet must still persist the
// file row (present=false) rather than being dropped, and the later
// PostUpdate for that post must not disturb it.
func TestFileAvailableBeforePostIsPersistedNotPresent(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	filePayload := FileAvailable{
		FileID:       "file-early",
		PostID:       "post-late",
		OriginalName: "attachment.png",
		MIME:         "image/png",
		Size:         1024,
		Digest:       "deadbeef",
		Ticket:       `{"digest":"deadbeef","size":1024,"holder_peers":["holder-1"]}`,
	}
	fileEnv, err := EncodeEnvelope(EventFileAvailable, filePayload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode file envelope: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-5", GossipMessage{Data: mustMarshalEnvelope(t, fileEnv)}); err != nil {
		t.Fatalf("handle file: %v", err)
	}

	files, err := h.store.ListFilesForPost(ctx, "post-late")
	if err != nil {
		t.Fatalf("list files for post: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected file row to be persisted ahead of its post, got %d rows", len(files))
	}
	if files[0].Present {
		t.Fatalf("expected present=false before the blob is fetched")
	}

	// The post arrives later; it must land normally and the deferred file
	// row must remain untouched (no panic on a nil blobSync, no duplicate
	// rows).
	postEnv := h.postEnvelope(t, "thread-5", "post-late", nil, "finally here", 2000)
	if err := h.ingest.handle(ctx, "topic-5", GossipMessage{Data: mustMarshalEnvelope(t, postEnv)}); err != nil {
		t.Fatalf("handle post: %v", err)
	}

	filesAfter, err := h.store.ListFilesForPost(ctx, "post-late")
	if err != nil {
		t.Fatalf("list files for post after post arrival: %v", err)
	}
	if len(filesAfter) != 1 || filesAfter[0].ID != "file-early" {
		t.Fatalf("expected the same single deferred file row, got %v", filesAfter)
	}
}

// A ThreadKeyWrap addressed to the local node unseals the thread secret and
// persists it, materializing a stub thread if the wrap races ahead of its
// ThreadAnnouncement.
func TestApplyThreadKeyWrapPersistsSecretForRecipient(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	secret, err := NewThreadSecret()
	if err != nil {
		t.Fatalf("new thread secret: %v", err)
	}
	sealed, err := SealThreadSecretFor(h.recipient.EncryptionPublicKey(), secret)
	if err != nil {
		t.Fatalf("seal thread secret: %v", err)
	}
	payload := ThreadKeyWrap{
		ThreadID:        "thread-private-1",
		RecipientPeerID: "local-peer-id",
		SealedKey:       sealed,
	}
	env, err := EncodeEnvelope(EventThreadKeyWrap, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-6", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	thread, err := h.store.GetThread(ctx, "thread-private-1")
	if err != nil {
		t.Fatalf("expected stub thread to be materialized: %v", err)
	}
	if thread.Visibility != VisibilityPrivate {
		t.Fatalf("expected visibility=private, got %q", thread.Visibility)
	}
	if string(thread.Secret) != string(secret) {
		t.Fatalf("expected unsealed secret to be persisted")
	}
}

// A ThreadKeyWrap addressed to someone else is ignored.
func TestApplyThreadKeyWrapIgnoresOtherRecipients(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	secret, err := NewThreadSecret()
	if err != nil {
		t.Fatalf("new thread secret: %v", err)
	}
	sealed, err := SealThreadSecretFor(h.recipient.EncryptionPublicKey(), secret)
	if err != nil {
		t.Fatalf("seal thread secret: %v", err)
	}
	payload := ThreadKeyWrap{
		ThreadID:        "thread-private-2",
		RecipientPeerID: "someone-else",
		SealedKey:       sealed,
	}
	env, err := EncodeEnvelope(EventThreadKeyWrap, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-6", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := h.store.GetThread(ctx, "thread-private-2"); err != ErrNotFound {
		t.Fatalf("expected no thread materialized for a wrap addressed elsewhere, got err=%v", err)
	}
}

// Once a private thread's secret is known locally, an incoming PostUpdate's
// encrypted body is decrypted before being stored.
func TestApplyPostUpdateDecryptsPrivateThreadBody(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	secret, err := NewThreadSecret()
	if err != nil {
		t.Fatalf("new thread secret: %v", err)
	}
	if err := h.store.UpsertThread(ctx, Thread{
		ID:         "thread-private-3",
		Visibility: VisibilityPrivate,
		Secret:     secret,
		SyncStatus: SyncAnnounced,
	}); err != nil {
		t.Fatalf("seed private thread: %v", err)
	}
	encodedBody, err := EncryptThreadPostBody(secret, "secret content")
	if err != nil {
		t.Fatalf("encrypt body: %v", err)
	}

	env := h.postEnvelope(t, "thread-private-3", "post-private-1", nil, encodedBody, 1000)
	if err := h.ingest.handle(ctx, "topic-6", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, err := h.store.GetPost(ctx, "post-private-1")
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if post.Body != "secret content" {
		t.Fatalf("expected decrypted body, got %q", post.Body)
	}
}

// A PostUpdate that already carries redacted=true/reason=blocked_by_sender
// (substituted by the serving node) is honored verbatim when this node has
// not independently blocked the author.
func TestApplyPostUpdateHonorsSenderRedaction(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	payload := PostUpdate{
		PostID:         "post-redacted-1",
		ThreadID:       "thread-6",
		AuthorPeerID:   h.authorID,
		Body:           "",
		Redacted:       true,
		RedactedReason: ReasonBlockedBySender,
		CreatedAt:      1000,
		UpdatedAt:      1000,
	}
	env, err := EncodeEnvelope(EventPostUpdate, payload, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-6", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, err := h.store.GetPost(ctx, "post-redacted-1")
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !post.Redacted || post.Body != "" {
		t.Fatalf("expected sender redaction to be honored, got redacted=%v body=%q", post.Redacted, post.Body)
	}
	if post.RedactedReason != ReasonBlockedBySender {
		t.Fatalf("expected reason %q, got %q", ReasonBlockedBySender, post.RedactedReason)
	}
}

// §3.2: a post from an author no friendcode ever introduced still lands,
// materializing a stub peer row with trust=unknown first.
func TestPostFromUnknownAuthorMaterializesStubPeer(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	stranger := newTestIdentity(t)
	payload := PostUpdate{
		PostID:       "post-stranger-1",
		ThreadID:     "thread-7",
		AuthorPeerID: "stranger-peer-id",
		Body:         "first contact",
		CreatedAt:    1000,
		UpdatedAt:    1000,
	}
	env, err := EncodeEnvelope(EventPostUpdate, payload, "stranger-peer-id", stranger.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-7", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	peer, err := h.store.GetPeer(ctx, "stranger-peer-id")
	if err != nil {
		t.Fatalf("expected stub peer to be materialized: %v", err)
	}
	if peer.TrustState != TrustUnknown {
		t.Fatalf("expected trust=unknown for a stub peer, got %q", peer.TrustState)
	}
	if _, err := h.store.GetPost(ctx, "post-stranger-1"); err != nil {
		t.Fatalf("expected stranger's post to be persisted: %v", err)
	}
}

// An inbound DirectMessageEvent addressed to this node is persisted as
// ciphertext; one addressed to two other peers is ignored.
func TestApplyDirectMessagePersistsForParticipantOnly(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	mine := DirectMessageEvent{
		MessageID:      "dm-1",
		ConversationID: "conv-1",
		FromPeerID:     h.authorID,
		ToPeerID:       "local-peer-id",
		Ciphertext:     []byte{1, 2, 3},
		Nonce:          []byte{4, 5, 6},
		CreatedAt:      1000,
	}
	env, err := EncodeEnvelope(EventDirectMessage, mine, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-8", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs, err := h.store.ListConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "dm-1" {
		t.Fatalf("expected the inbound dm to be persisted, got %v", msgs)
	}

	other := DirectMessageEvent{
		MessageID:      "dm-2",
		ConversationID: "conv-2",
		FromPeerID:     h.authorID,
		ToPeerID:       "someone-else",
		CreatedAt:      1001,
	}
	env, err = EncodeEnvelope(EventDirectMessage, other, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-8", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	strays, err := h.store.ListConversation(ctx, "conv-2")
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(strays) != 0 {
		t.Fatalf("expected a dm between two other peers to be ignored, got %v", strays)
	}
}

// A maintainer's BlockAction updates the cached entries of every
// subscription this node holds on that maintainer's list (§4.11).
func TestApplyBlockActionMaintainsSubscribedList(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertBlocklistSubscription(ctx, BlocklistSubscription{
		ID:           "list-1",
		MaintainerID: h.authorID,
		Name:         "author's list",
		AutoApply:    true,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	add := BlockAction{MaintainerID: h.authorID, PeerID: "bad-peer", Reason: "spam", Action: "add", CreatedAt: 1000}
	env, err := EncodeEnvelope(EventBlockAction, add, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-9", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle add: %v", err)
	}

	blocked, err := h.store.IsBlocked(ctx, "bad-peer")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked {
		t.Fatalf("expected bad-peer blocked via the auto-apply subscription")
	}

	remove := BlockAction{MaintainerID: h.authorID, PeerID: "bad-peer", Reason: "", Action: "remove", CreatedAt: 1001}
	env, err = EncodeEnvelope(EventBlockAction, remove, h.authorID, h.author.Sign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.ingest.handle(ctx, "topic-9", GossipMessage{Data: mustMarshalEnvelope(t, env)}); err != nil {
		t.Fatalf("handle remove: %v", err)
	}
	blocked, err = h.store.IsBlocked(ctx, "bad-peer")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatalf("expected bad-peer unblocked after the maintainer's removal")
	}
}

func mustMarshalEnvelope(t *testing.T, env Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}
