package core

// Persistent store (C1, §4.1). A single SQLite database, opened in WAL mode
// with foreign-key enforcement turned on, backs every relational query the
// rest of the core needs: thread/post listing, dedup fingerprints, peer
// trust state, topic subscriptions, conversations and moderation lists.
//
// Deletes never cascade: every child table uses ON DELETE RESTRICT. Removal
// is expressed as redaction (Post.Redacted) or soft deletion (Thread.Deleted),
// never as a DAG edge removal, per §3.1 and §4.11 — a blocked author's prior
// posts must still occupy their place in a thread's structure.
//
// Grounded on core/storage.go's logger-hook idiom (SetStorageLogger) and
// mutex-guarded in-process cache; the relational engine itself is an
// ecosystem pick (modernc.org/sqlite, pure Go, no cgo) because the teacher
// has no relational dependency at all — only an in-memory KV ledger, which
// cannot idiomatically satisfy §4.1's query contract (list_by_thread,
// list_unread_conversations, foreign-key integrity). See DESIGN.md.

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"graphchan/pkg/utils"
)

var storeLogger = logrus.StandardLogger()

// SetStoreLogger overrides the package-level logger.
func SetStoreLogger(l *logrus.Logger) { storeLogger = l }

// Store wraps a single SQLite connection pool. All exported methods are
// safe for concurrent use; SQLite's own writer serialization is relied upon
// for multi-writer safety (WAL mode allows concurrent readers).
type Store struct {
	db *sql.DB
	mu sync.Mutex // guards schema migrations only, not steady-state queries
}

// OpenStore opens (creating if absent) the SQLite database at path and
// applies the schema if it is not already present.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, utils.Wrap(err, "open store")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, WAL readers share it fine at this scale
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return utils.Wrap(err, "apply schema")
	}
	storeLogger.Debug("store schema applied")
	return nil
}

// schemaSQL is the complete table set (§3.1, §4.1). Tables mirror the
// in-memory struct vocabulary of core/types.go one-to-one.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS node_identity (
	signing_fingerprint TEXT PRIMARY KEY,
	transport_peer_id   TEXT NOT NULL,
	encryption_pubkey   BLOB NOT NULL,
	friendcode          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
	id                  TEXT PRIMARY KEY,
	alias               TEXT NOT NULL DEFAULT '',
	friendcode_text     TEXT NOT NULL DEFAULT '',
	signing_fingerprint TEXT NOT NULL,
	signing_pubkey      BLOB,
	encryption_pubkey   BLOB,
	last_seen           DATETIME NOT NULL,
	trust_state         TEXT NOT NULL DEFAULT 'unknown'
);

CREATE TABLE IF NOT EXISTS threads (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	creator_peer_id TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	pinned          INTEGER NOT NULL DEFAULT 0,
	deleted         INTEGER NOT NULL DEFAULT 0,
	ignored         INTEGER NOT NULL DEFAULT 0,
	thread_hash     TEXT NOT NULL DEFAULT '',
	blob_ticket     TEXT NOT NULL DEFAULT '',
	sync_status     TEXT NOT NULL DEFAULT 'announced',
	visibility      TEXT NOT NULL DEFAULT 'social',
	secret          BLOB,
	topics          TEXT NOT NULL DEFAULT '[]',
	source_url      TEXT NOT NULL DEFAULT '',
	source_platform TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS posts (
	id             TEXT PRIMARY KEY,
	thread_id      TEXT NOT NULL REFERENCES threads(id) ON DELETE RESTRICT,
	author_peer_id TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	agent_metadata TEXT NOT NULL DEFAULT '',
	redacted       INTEGER NOT NULL DEFAULT 0,
	redacted_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id);

CREATE TABLE IF NOT EXISTS post_relationships (
	parent_post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE RESTRICT,
	child_post_id  TEXT NOT NULL REFERENCES posts(id) ON DELETE RESTRICT,
	PRIMARY KEY (parent_post_id, child_post_id)
);
CREATE INDEX IF NOT EXISTS idx_relationships_child ON post_relationships(child_post_id);

CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	post_id       TEXT NOT NULL REFERENCES posts(id) ON DELETE RESTRICT,
	original_name TEXT NOT NULL DEFAULT '',
	mime          TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	digest        TEXT NOT NULL DEFAULT '',
	local_path    TEXT NOT NULL DEFAULT '',
	ticket        TEXT NOT NULL DEFAULT '',
	present       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_post ON files(post_id);
CREATE INDEX IF NOT EXISTS idx_files_digest ON files(digest);

CREATE TABLE IF NOT EXISTS topic_subscriptions (
	topic_name TEXT PRIMARY KEY,
	topic_id   TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reactions (
	post_id    TEXT NOT NULL REFERENCES posts(id) ON DELETE RESTRICT,
	emoji      TEXT NOT NULL,
	reactor_id TEXT NOT NULL,
	signature  BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (post_id, emoji, reactor_id)
);

CREATE TABLE IF NOT EXISTS direct_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	from_peer_id    TEXT NOT NULL,
	to_peer_id      TEXT NOT NULL,
	ciphertext      BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	created_at      DATETIME NOT NULL,
	read_at         DATETIME
);
CREATE INDEX IF NOT EXISTS idx_dms_conversation ON direct_messages(conversation_id);

CREATE TABLE IF NOT EXISTS blocks (
	peer_id    TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	blocked_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS blocklist_subscriptions (
	id             TEXT PRIMARY KEY,
	maintainer_id  TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	auto_apply     INTEGER NOT NULL DEFAULT 0,
	last_synced_at DATETIME
);

CREATE TABLE IF NOT EXISTS blocklist_entries (
	blocklist_id TEXT NOT NULL REFERENCES blocklist_subscriptions(id) ON DELETE RESTRICT,
	peer_id      TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	added_at     DATETIME NOT NULL,
	PRIMARY KEY (blocklist_id, peer_id)
);

CREATE TABLE IF NOT EXISTS ip_blocks (
	cidr       TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS event_fingerprints (
	fingerprint TEXT PRIMARY KEY,
	seen_at     DATETIME NOT NULL
);
`

// --- threads ---------------------------------------------------------------

// UpsertThread inserts or idempotently updates a thread row (§4.1, §4.8).
func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	topicsJSON, err := json.Marshal(t.Topics)
	if err != nil {
		return utils.Wrap(err, "marshal thread topics")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, creator_peer_id, created_at, pinned, deleted, ignored, thread_hash, blob_ticket, sync_status, visibility, secret, topics, source_url, source_platform)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			pinned=excluded.pinned,
			deleted=excluded.deleted,
			ignored=excluded.ignored,
			thread_hash=excluded.thread_hash,
			blob_ticket=excluded.blob_ticket,
			sync_status=excluded.sync_status,
			topics=excluded.topics,
			source_url=excluded.source_url,
			source_platform=excluded.source_platform`,
		t.ID, t.Title, t.CreatorPeerID, t.CreatedAt, t.Pinned, t.Deleted, t.Ignored,
		t.ThreadHash, t.BlobTicket, string(t.SyncStatus), string(t.Visibility), t.Secret, string(topicsJSON), t.SourceURL, t.SourcePlatform)
	if err != nil {
		return utils.Wrap(err, "upsert thread")
	}
	return nil
}

// GetThread returns a single thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, creator_peer_id, created_at, pinned, deleted, ignored, thread_hash, blob_ticket, sync_status, visibility, secret, topics, source_url, source_platform FROM threads WHERE id = ?`, id)
	var t Thread
	var syncStatus, visibility, topicsJSON string
	if err := row.Scan(&t.ID, &t.Title, &t.CreatorPeerID, &t.CreatedAt, &t.Pinned, &t.Deleted, &t.Ignored, &t.ThreadHash, &t.BlobTicket, &syncStatus, &visibility, &t.Secret, &topicsJSON, &t.SourceURL, &t.SourcePlatform); err != nil {
		if err == sql.ErrNoRows {
			return Thread{}, ErrNotFound
		}
		return Thread{}, utils.Wrap(err, "get thread")
	}
	t.SyncStatus, t.Visibility = SyncStatus(syncStatus), Visibility(visibility)
	if topicsJSON != "" {
		if err := json.Unmarshal([]byte(topicsJSON), &t.Topics); err != nil {
			return Thread{}, utils.Wrap(err, "unmarshal thread topics")
		}
	}
	return t, nil
}

// ListThreads returns non-deleted threads ordered by most recently created.
func (s *Store) ListThreads(ctx context.Context, includeIgnored bool) ([]Thread, error) {
	q := `SELECT id, title, creator_peer_id, created_at, pinned, deleted, ignored, thread_hash, blob_ticket, sync_status, visibility, secret, topics, source_url, source_platform FROM threads WHERE deleted = 0`
	if !includeIgnored {
		q += ` AND ignored = 0`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, utils.Wrap(err, "list threads")
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var t Thread
		var syncStatus, visibility, topicsJSON string
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatorPeerID, &t.CreatedAt, &t.Pinned, &t.Deleted, &t.Ignored, &t.ThreadHash, &t.BlobTicket, &syncStatus, &visibility, &t.Secret, &topicsJSON, &t.SourceURL, &t.SourcePlatform); err != nil {
			return nil, utils.Wrap(err, "scan thread")
		}
		t.SyncStatus, t.Visibility = SyncStatus(syncStatus), Visibility(visibility)
		if topicsJSON != "" {
			if err := json.Unmarshal([]byte(topicsJSON), &t.Topics); err != nil {
				return nil, utils.Wrap(err, "unmarshal thread topics")
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetThreadSyncStatus updates only the sync_status column (§4.8 state
// machine transitions).
func (s *Store) SetThreadSyncStatus(ctx context.Context, threadID string, status SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET sync_status = ? WHERE id = ?`, string(status), threadID)
	return utils.Wrap(err, "set thread sync status")
}

// SetThreadFlags updates the local-only pinned/deleted/ignored flags
// (§4.1 set_flags). Deletion is soft: the row and its posts survive, only
// listings hide it.
func (s *Store) SetThreadFlags(ctx context.Context, threadID string, pinned, deleted, ignored bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET pinned = ?, deleted = ?, ignored = ? WHERE id = ?`, pinned, deleted, ignored, threadID)
	return utils.Wrap(err, "set thread flags")
}

// AssociateThreadTopic adds a topic name to a thread's topic set (§4.1
// associate_thread). A thread may belong to many topics or none.
func (s *Store) AssociateThreadTopic(ctx context.Context, threadID, topicName string) error {
	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	for _, existing := range t.Topics {
		if existing == topicName {
			return nil
		}
	}
	t.Topics = append(t.Topics, topicName)
	return s.UpsertThread(ctx, t)
}

// ListThreadsForTopic returns every non-deleted thread announced to a
// topic name (§4.1 list_threads_for_topic).
func (s *Store) ListThreadsForTopic(ctx context.Context, topicName string) ([]Thread, error) {
	threads, err := s.ListThreads(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []Thread
	for _, t := range threads {
		for _, name := range t.Topics {
			if name == topicName {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// --- posts -------------------------------------------------------------

// UpsertPost inserts or idempotently updates a post and its parent edges
// (§4.1, §4.8 dedup). Re-applying the same post id is a no-op on content.
func (s *Store) UpsertPost(ctx context.Context, p Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.Wrap(err, "begin upsert post")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (id, thread_id, author_peer_id, body, created_at, updated_at, agent_metadata, redacted, redacted_reason)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			body=excluded.body,
			updated_at=excluded.updated_at,
			redacted=excluded.redacted,
			redacted_reason=excluded.redacted_reason`,
		p.ID, p.ThreadID, p.AuthorPeerID, p.Body, p.CreatedAt, p.UpdatedAt, p.AgentMetadata, p.Redacted, string(p.RedactedReason))
	if err != nil {
		return utils.Wrap(err, "upsert post")
	}

	for _, parent := range p.Parents {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO post_relationships (parent_post_id, child_post_id) VALUES (?, ?)`, parent, p.ID); err != nil {
			return utils.Wrap(err, "upsert post relationship")
		}
	}
	return tx.Commit()
}

// GetPost returns a single post, including its parent edges.
func (s *Store) GetPost(ctx context.Context, id string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, thread_id, author_peer_id, body, created_at, updated_at, agent_metadata, redacted, redacted_reason FROM posts WHERE id = ?`, id)
	var p Post
	var reason string
	if err := row.Scan(&p.ID, &p.ThreadID, &p.AuthorPeerID, &p.Body, &p.CreatedAt, &p.UpdatedAt, &p.AgentMetadata, &p.Redacted, &reason); err != nil {
		if err == sql.ErrNoRows {
			return Post{}, ErrNotFound
		}
		return Post{}, utils.Wrap(err, "get post")
	}
	p.RedactedReason = RedactionReason(reason)
	parents, err := s.parentsOf(ctx, id)
	if err != nil {
		return Post{}, err
	}
	p.Parents = parents
	return p, nil
}

func (s *Store) parentsOf(ctx context.Context, postID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_post_id FROM post_relationships WHERE child_post_id = ?`, postID)
	if err != nil {
		return nil, utils.Wrap(err, "list parents")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, utils.Wrap(err, "scan parent")
		}
		out = append(out, parent)
	}
	return out, rows.Err()
}

// ListPostsByThread returns every post in a thread, oldest first, with
// parent edges attached (§4.1 list_by_thread).
func (s *Store) ListPostsByThread(ctx context.Context, threadID string) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id, author_peer_id, body, created_at, updated_at, agent_metadata, redacted, redacted_reason FROM posts WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, utils.Wrap(err, "list posts by thread")
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var reason string
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.AuthorPeerID, &p.Body, &p.CreatedAt, &p.UpdatedAt, &p.AgentMetadata, &p.Redacted, &reason); err != nil {
			return nil, utils.Wrap(err, "scan post")
		}
		p.RedactedReason = RedactionReason(reason)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		parents, err := s.parentsOf(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Parents = parents
	}
	return out, nil
}

// ListRecentPosts returns the newest non-redacted posts across every
// thread (§4.1 list_recent), newest first.
func (s *Store) ListRecentPosts(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id, author_peer_id, body, created_at, updated_at, agent_metadata, redacted, redacted_reason FROM posts WHERE redacted = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, utils.Wrap(err, "list recent posts")
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var reason string
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.AuthorPeerID, &p.Body, &p.CreatedAt, &p.UpdatedAt, &p.AgentMetadata, &p.Redacted, &reason); err != nil {
			return nil, utils.Wrap(err, "scan post")
		}
		p.RedactedReason = RedactionReason(reason)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ComputeThreadHash derives a deterministic digest over a thread's ordered
// post set: each post's id, redaction state, body and updated_at (Unix
// seconds), sorted by id so the
// hash never depends on arrival order (§4.8 "thread_hash is recomputed on
// any post insert/update", testable property 9). Two nodes holding the same
// set of posts — regardless of the gossip order they arrived in — always
// agree on thread_hash, which is what makes it usable as a divergence check.
func ComputeThreadHash(posts []Post) string {
	ids := make([]string, len(posts))
	byID := make(map[string]Post, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		p := byID[id]
		fmt.Fprintf(h, "%s|%t|%s|%d\n", p.ID, p.Redacted, p.Body, p.UpdatedAt.Unix())
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RecomputeThreadHash reloads a thread's posts, recomputes thread_hash, and
// persists it, returning the new value (§4.8). Called after every
// UpsertPost so a thread's announced hash always reflects its current
// content.
func (s *Store) RecomputeThreadHash(ctx context.Context, threadID string) (string, error) {
	posts, err := s.ListPostsByThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	hash := ComputeThreadHash(posts)
	_, err = s.db.ExecContext(ctx, `UPDATE threads SET thread_hash = ? WHERE id = ?`, hash, threadID)
	if err != nil {
		return "", utils.Wrap(err, "recompute thread hash")
	}
	return hash, nil
}

// RedactPost replaces a post's content in place, preserving its DAG edges
// (§4.11 "redacted placeholder"). This is the sole removal primitive; rows
// are never deleted.
func (s *Store) RedactPost(ctx context.Context, postID string, reason RedactionReason) error {
	_, err := s.db.ExecContext(ctx, `UPDATE posts SET body = '', redacted = 1, redacted_reason = ?, updated_at = ? WHERE id = ?`, string(reason), time.Now().UTC(), postID)
	return utils.Wrap(err, "redact post")
}

// --- files ---------------------------------------------------------------

// UpsertFile records attachment metadata, known before or after the blob
// itself is fetched (§4.1, §4.9).
func (s *Store) UpsertFile(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, post_id, original_name, mime, size, digest, local_path, ticket, present)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			digest=excluded.digest,
			local_path=excluded.local_path,
			ticket=excluded.ticket,
			present=excluded.present`,
		f.ID, f.PostID, f.OriginalName, f.MIME, f.Size, f.Digest, f.LocalPath, f.Ticket, f.Present)
	return utils.Wrap(err, "upsert file")
}

// GetFile returns a single attachment row by id.
func (s *Store) GetFile(ctx context.Context, id string) (File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, post_id, original_name, mime, size, digest, local_path, ticket, present FROM files WHERE id = ?`, id)
	var f File
	if err := row.Scan(&f.ID, &f.PostID, &f.OriginalName, &f.MIME, &f.Size, &f.Digest, &f.LocalPath, &f.Ticket, &f.Present); err != nil {
		if err == sql.ErrNoRows {
			return File{}, ErrNotFound
		}
		return File{}, utils.Wrap(err, "get file")
	}
	return f, nil
}

// ListFilesForPost returns every attachment row belonging to a post
// (§4.1 "files: list_for_post"), in insertion order.
func (s *Store) ListFilesForPost(ctx context.Context, postID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, post_id, original_name, mime, size, digest, local_path, ticket, present FROM files WHERE post_id = ? ORDER BY rowid`, postID)
	if err != nil {
		return nil, utils.Wrap(err, "list files for post")
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.PostID, &f.OriginalName, &f.MIME, &f.Size, &f.Digest, &f.LocalPath, &f.Ticket, &f.Present); err != nil {
			return nil, utils.Wrap(err, "scan file")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFilesForThread returns every attachment row belonging to any post in
// a thread, used when re-announcing a thread to recompute HasImages across
// its whole post set rather than just the newest post (§4.7, §4.8).
func (s *Store) ListFilesForThread(ctx context.Context, threadID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.post_id, f.original_name, f.mime, f.size, f.digest, f.local_path, f.ticket, f.present
		FROM files f JOIN posts p ON p.id = f.post_id
		WHERE p.thread_id = ?
		ORDER BY f.rowid`, threadID)
	if err != nil {
		return nil, utils.Wrap(err, "list files for thread")
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.PostID, &f.OriginalName, &f.MIME, &f.Size, &f.Digest, &f.LocalPath, &f.Ticket, &f.Present); err != nil {
			return nil, utils.Wrap(err, "scan file")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetFilePath records where a file's bytes were materialized on the local
// filesystem and flips its presence flag (§4.1 set_path, §4.9).
func (s *Store) SetFilePath(ctx context.Context, fileID, localPath string, present bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET local_path = ?, present = ? WHERE id = ?`, localPath, present, fileID)
	return utils.Wrap(err, "set file path")
}

// FilesMissingBlob returns file rows whose content has not yet been
// fetched, for C9's lazy-pull scheduler (§4.9).
func (s *Store) FilesMissingBlob(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, post_id, original_name, mime, size, digest, local_path, ticket, present FROM files WHERE present = 0 AND digest != ''`)
	if err != nil {
		return nil, utils.Wrap(err, "list missing files")
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.PostID, &f.OriginalName, &f.MIME, &f.Size, &f.Digest, &f.LocalPath, &f.Ticket, &f.Present); err != nil {
			return nil, utils.Wrap(err, "scan file")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- peers -----------------------------------------------------------------

// UpsertPeer records or updates a known remote peer (§4.1).
func (s *Store) UpsertPeer(ctx context.Context, p Peer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, alias, friendcode_text, signing_fingerprint, signing_pubkey, encryption_pubkey, last_seen, trust_state)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			alias=excluded.alias,
			friendcode_text=excluded.friendcode_text,
			signing_pubkey=excluded.signing_pubkey,
			encryption_pubkey=excluded.encryption_pubkey,
			last_seen=excluded.last_seen,
			trust_state=excluded.trust_state`,
		p.ID, p.Alias, p.FriendcodeText, p.SigningFingerprint, p.SigningPubKey, p.EncryptionPubKey, p.LastSeen, string(p.TrustState))
	return utils.Wrap(err, "upsert peer")
}

// GetPeer returns a single known peer.
func (s *Store) GetPeer(ctx context.Context, id string) (Peer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, alias, friendcode_text, signing_fingerprint, signing_pubkey, encryption_pubkey, last_seen, trust_state FROM peers WHERE id = ?`, id)
	var p Peer
	var trust string
	if err := row.Scan(&p.ID, &p.Alias, &p.FriendcodeText, &p.SigningFingerprint, &p.SigningPubKey, &p.EncryptionPubKey, &p.LastSeen, &trust); err != nil {
		if err == sql.ErrNoRows {
			return Peer{}, ErrNotFound
		}
		return Peer{}, utils.Wrap(err, "get peer")
	}
	p.TrustState = TrustState(trust)
	return p, nil
}

// ListFollowedPeers returns peers this node deliberately follows — those
// added by friendcode or promoted to trusted — excluding stubs gossip
// materialized and peers that are blocked (§4.1 list_followed, §4.6
// friend bootstrap).
func (s *Store) ListFollowedPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alias, friendcode_text, signing_fingerprint, signing_pubkey, encryption_pubkey, last_seen, trust_state FROM peers WHERE trust_state IN ('known', 'trusted')`)
	if err != nil {
		return nil, utils.Wrap(err, "list followed peers")
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var p Peer
		var trust string
		if err := rows.Scan(&p.ID, &p.Alias, &p.FriendcodeText, &p.SigningFingerprint, &p.SigningPubKey, &p.EncryptionPubKey, &p.LastSeen, &trust); err != nil {
			return nil, utils.Wrap(err, "scan peer")
		}
		p.TrustState = TrustState(trust)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPeers returns every known peer.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alias, friendcode_text, signing_fingerprint, signing_pubkey, encryption_pubkey, last_seen, trust_state FROM peers`)
	if err != nil {
		return nil, utils.Wrap(err, "list peers")
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var p Peer
		var trust string
		if err := rows.Scan(&p.ID, &p.Alias, &p.FriendcodeText, &p.SigningFingerprint, &p.SigningPubKey, &p.EncryptionPubKey, &p.LastSeen, &trust); err != nil {
			return nil, utils.Wrap(err, "scan peer")
		}
		p.TrustState = TrustState(trust)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- topic subscriptions -----------------------------------------------

// SubscribeTopic records a standing interest in a topic (§4.1, §4.6).
func (s *Store) SubscribeTopic(ctx context.Context, sub TopicSubscription) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO topic_subscriptions (topic_name, topic_id, created_at) VALUES (?,?,?)`, sub.TopicName, sub.TopicID, sub.CreatedAt)
	return utils.Wrap(err, "subscribe topic")
}

// UnsubscribeTopic removes a topic subscription.
func (s *Store) UnsubscribeTopic(ctx context.Context, topicName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM topic_subscriptions WHERE topic_name = ?`, topicName)
	return utils.Wrap(err, "unsubscribe topic")
}

// ListTopicSubscriptions returns every subscribed topic.
func (s *Store) ListTopicSubscriptions(ctx context.Context) ([]TopicSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic_name, topic_id, created_at FROM topic_subscriptions`)
	if err != nil {
		return nil, utils.Wrap(err, "list topic subscriptions")
	}
	defer rows.Close()
	var out []TopicSubscription
	for rows.Next() {
		var t TopicSubscription
		if err := rows.Scan(&t.TopicName, &t.TopicID, &t.CreatedAt); err != nil {
			return nil, utils.Wrap(err, "scan topic subscription")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- reactions -----------------------------------------------------------

// UpsertReaction records a signed reaction, idempotent on
// (post, emoji, reactor) (§4.1, §9 Open Question: reactor-only removal).
func (s *Store) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO reactions (post_id, emoji, reactor_id, signature, created_at) VALUES (?,?,?,?,?)`, r.PostID, r.Emoji, r.ReactorID, r.Signature, r.CreatedAt)
	return utils.Wrap(err, "upsert reaction")
}

// RemoveReaction deletes a reaction. The caller must already have verified
// the removal request was signed by ReactorID (§9 Open Question #2: only
// the original reactor may withdraw a reaction, never the thread owner).
func (s *Store) RemoveReaction(ctx context.Context, postID, emoji, reactorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE post_id = ? AND emoji = ? AND reactor_id = ?`, postID, emoji, reactorID)
	return utils.Wrap(err, "remove reaction")
}

// ListReactions returns every reaction on a post.
func (s *Store) ListReactions(ctx context.Context, postID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT post_id, emoji, reactor_id, signature, created_at FROM reactions WHERE post_id = ?`, postID)
	if err != nil {
		return nil, utils.Wrap(err, "list reactions")
	}
	defer rows.Close()
	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.PostID, &r.Emoji, &r.ReactorID, &r.Signature, &r.CreatedAt); err != nil {
			return nil, utils.Wrap(err, "scan reaction")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- direct messages and conversations --------------------------------

// InsertDirectMessage appends a message to a conversation (§4.1, §4.10).
func (s *Store) InsertDirectMessage(ctx context.Context, m DirectMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO direct_messages (id, conversation_id, from_peer_id, to_peer_id, ciphertext, nonce, created_at, read_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.FromPeerID, m.ToPeerID, m.Ciphertext, m.Nonce, m.CreatedAt, m.ReadAt)
	return utils.Wrap(err, "insert direct message")
}

// ListConversation returns every message in a conversation, oldest first.
func (s *Store) ListConversation(ctx context.Context, conversationID string) ([]DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, from_peer_id, to_peer_id, ciphertext, nonce, created_at, read_at FROM direct_messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, utils.Wrap(err, "list conversation")
	}
	defer rows.Close()
	var out []DirectMessage
	for rows.Next() {
		var m DirectMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FromPeerID, &m.ToPeerID, &m.Ciphertext, &m.Nonce, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, utils.Wrap(err, "scan direct message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUnreadConversations returns, per conversation id, the count of
// messages with no ReadAt timestamp (§4.1 list_unread_conversations).
func (s *Store) ListUnreadConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*) FROM direct_messages
		WHERE read_at IS NULL
		GROUP BY conversation_id`)
	if err != nil {
		return nil, utils.Wrap(err, "list unread conversations")
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ConversationID, &c.UnreadCount); err != nil {
			return nil, utils.Wrap(err, "scan conversation")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConversationRead stamps every unread message in a conversation.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE direct_messages SET read_at = ? WHERE conversation_id = ? AND read_at IS NULL`, time.Now().UTC(), conversationID)
	return utils.Wrap(err, "mark conversation read")
}

// --- moderation ------------------------------------------------------------

// BlockPeer records a local, unilateral block (§4.1, §4.11).
func (s *Store) BlockPeer(ctx context.Context, b Block) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO blocks (peer_id, reason, blocked_at) VALUES (?,?,?)`, b.PeerID, b.Reason, b.BlockedAt)
	return utils.Wrap(err, "block peer")
}

// UnblockPeer removes a local block.
func (s *Store) UnblockPeer(ctx context.Context, peerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE peer_id = ?`, peerID)
	return utils.Wrap(err, "unblock peer")
}

// IsBlocked reports whether peerID is locally blocked, directly or via a
// subscribed auto-apply blocklist (§4.11 is_blocked).
func (s *Store) IsBlocked(ctx context.Context, peerID string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE peer_id = ?`, peerID)
	if err := row.Scan(&n); err != nil {
		return false, utils.Wrap(err, "check direct block")
	}
	if n > 0 {
		return true, nil
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocklist_entries be
		JOIN blocklist_subscriptions bs ON bs.id = be.blocklist_id
		WHERE be.peer_id = ? AND bs.auto_apply = 1`, peerID)
	if err := row.Scan(&n); err != nil {
		return false, utils.Wrap(err, "check blocklist block")
	}
	return n > 0, nil
}

// UpsertBlocklistSubscription adds or updates a subscribed moderation list.
func (s *Store) UpsertBlocklistSubscription(ctx context.Context, b BlocklistSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocklist_subscriptions (id, maintainer_id, name, auto_apply, last_synced_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, auto_apply=excluded.auto_apply, last_synced_at=excluded.last_synced_at`,
		b.ID, b.MaintainerID, b.Name, b.AutoApply, b.LastSyncedAt)
	return utils.Wrap(err, "upsert blocklist subscription")
}

// ListBlocklistSubscriptions returns every subscribed moderation list.
func (s *Store) ListBlocklistSubscriptions(ctx context.Context) ([]BlocklistSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, maintainer_id, name, auto_apply, last_synced_at FROM blocklist_subscriptions`)
	if err != nil {
		return nil, utils.Wrap(err, "list blocklist subscriptions")
	}
	defer rows.Close()
	var out []BlocklistSubscription
	for rows.Next() {
		var b BlocklistSubscription
		var lastSynced sql.NullTime
		if err := rows.Scan(&b.ID, &b.MaintainerID, &b.Name, &b.AutoApply, &lastSynced); err != nil {
			return nil, utils.Wrap(err, "scan blocklist subscription")
		}
		if lastSynced.Valid {
			b.LastSyncedAt = lastSynced.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertBlocklistEntry records one cached entry of a subscribed blocklist,
// applied incrementally as the maintainer's BlockAction events arrive
// (§4.11).
func (s *Store) UpsertBlocklistEntry(ctx context.Context, e BlocklistEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO blocklist_entries (blocklist_id, peer_id, reason, added_at) VALUES (?,?,?,?)`,
		e.BlocklistID, e.PeerID, e.Reason, e.AddedAt)
	return utils.Wrap(err, "upsert blocklist entry")
}

// RemoveBlocklistEntry drops one cached entry from a subscribed blocklist.
func (s *Store) RemoveBlocklistEntry(ctx context.Context, blocklistID, peerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklist_entries WHERE blocklist_id = ? AND peer_id = ?`, blocklistID, peerID)
	return utils.Wrap(err, "remove blocklist entry")
}

// ReplaceBlocklistEntries atomically swaps a blocklist's cached entries,
// applied by Moderator.ResyncBlocklist (§4.11).
func (s *Store) ReplaceBlocklistEntries(ctx context.Context, blocklistID string, entries []BlocklistEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.Wrap(err, "begin replace blocklist entries")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocklist_entries WHERE blocklist_id = ?`, blocklistID); err != nil {
		return utils.Wrap(err, "clear blocklist entries")
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocklist_entries (blocklist_id, peer_id, reason, added_at) VALUES (?,?,?,?)`, blocklistID, e.PeerID, e.Reason, e.AddedAt); err != nil {
			return utils.Wrap(err, "insert blocklist entry")
		}
	}
	return tx.Commit()
}

// BlockIP records a CIDR or single-address moderation entry (§4.11).
func (s *Store) BlockIP(ctx context.Context, b IPBlock) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO ip_blocks (cidr, created_at) VALUES (?,?)`, b.CIDR, b.CreatedAt)
	return utils.Wrap(err, "block ip")
}

// ListIPBlocks returns every locally blocked address range.
func (s *Store) ListIPBlocks(ctx context.Context) ([]IPBlock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cidr, created_at FROM ip_blocks`)
	if err != nil {
		return nil, utils.Wrap(err, "list ip blocks")
	}
	defer rows.Close()
	var out []IPBlock
	for rows.Next() {
		var b IPBlock
		if err := rows.Scan(&b.CIDR, &b.CreatedAt); err != nil {
			return nil, utils.Wrap(err, "scan ip block")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- event dedup -----------------------------------------------------------

// SeenFingerprint reports whether an event fingerprint has already been
// ingested and, if not, records it atomically (§4.8 dedup monotonicity).
// The insert and check happen in one statement so concurrent callers cannot
// both observe "not seen".
func (s *Store) SeenFingerprint(ctx context.Context, fingerprint string) (alreadySeen bool, err error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO event_fingerprints (fingerprint, seen_at) VALUES (?, ?)`, fingerprint, time.Now().UTC())
	if err != nil {
		return false, utils.Wrap(err, "record fingerprint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.Wrap(err, "rows affected")
	}
	return n == 0, nil
}

// PruneFingerprints caps the dedup ledger, deleting the oldest entries
// beyond keep (§3.1 "bounded LRU of at least 100k entries"). Called from
// the node's periodic maintenance task.
func (s *Store) PruneFingerprints(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM event_fingerprints WHERE fingerprint IN (
			SELECT fingerprint FROM event_fingerprints ORDER BY seen_at DESC LIMIT -1 OFFSET ?)`, keep)
	return utils.Wrap(err, "prune fingerprints")
}
