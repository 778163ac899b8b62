package core

// Blob synchronizer (C9, §4.9). Attachments are pulled lazily: a
// FileAvailable event only carries a ticket (who to ask, what digest to
// expect), not the bytes themselves. A bounded worker pool pulls pending
// tickets over the transport's BlobProtocolID stream, verifies the digest,
// and stores the result. Downloads whose owning post hasn't arrived yet
// are deferred rather than discarded, since §4.8's causal repair may still
// be materializing the parent chain.
//
// Grounded on core/storage.go's Pin/Retrieve cache-then-fetch shape and
// core/replication.go's RequestMissing (sample peers, bounded context
// timeout, give up past N attempts).

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var blobsyncLogger = logrus.StandardLogger()

// SetBlobSyncLogger overrides the package-level logger.
func SetBlobSyncLogger(l *logrus.Logger) { blobsyncLogger = l }

// Ticket is the addressable pull request embedded in a FileAvailable event
// (§4.3, §4.9 "ticket issuance").
type Ticket struct {
	Digest      string   `json:"digest"`
	Size        int64    `json:"size"`
	HolderPeers []string `json:"holder_peers"`
}

// EncodeTicket serializes a Ticket for embedding in a FileAvailable event.
func EncodeTicket(t Ticket) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeTicket parses a ticket string back into its struct.
func DecodeTicket(s string) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Ticket{}, fmt.Errorf("blobsync: malformed ticket: %w", err)
	}
	return t, nil
}

// blobRequestMsg is the wire request sent over BlobProtocolID (§4.9).
type blobRequestMsg struct {
	Digest string `json:"digest"`
}

const (
	defaultBlobTimeout   = 60 * time.Second
	defaultMaxAttempts   = 5
	defaultMaxConcurrent = 4
)

// BlobSyncConfig mirrors pkg/config.Config.Downloads (§5, §6.7).
type BlobSyncConfig struct {
	Timeout       time.Duration
	MaxAttempts   int
	MaxConcurrent int
	MaxBlobBytes  int64
	DownloadsDir  string // files/downloads under the node directory (§6.6)
}

// BlobSync drives lazy pull of pending attachments (§4.9).
type BlobSync struct {
	t     *Transport
	blobs *BlobStore
	store *Store
	cfg   BlobSyncConfig
	sem   chan struct{}

	mu       sync.Mutex
	deferred map[string]struct{} // file ids deferred pending their parent post
}

// NewBlobSync wires a BlobSync and registers the serving side of
// BlobProtocolID on the transport so this node also answers other peers'
// pulls for content it already holds (§4.3 export, §4.9).
func NewBlobSync(t *Transport, blobs *BlobStore, store *Store, cfg BlobSyncConfig) *BlobSync {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBlobTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DownloadsDir != "" {
		if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
			blobsyncLogger.WithError(err).Warn("blobsync: downloads dir unavailable, skipping materialization")
			cfg.DownloadsDir = ""
		}
	}
	bs := &BlobSync{
		t:        t,
		blobs:    blobs,
		store:    store,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		deferred: make(map[string]struct{}),
	}
	t.SetStreamHandler(BlobProtocolID, bs.serve)
	return bs
}

func (bs *BlobSync) serve(s network.Stream) {
	defer s.Close()
	r := bufio.NewReader(s)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return
	}
	var req blobRequestMsg
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	data, err := bs.blobs.Export(req.Digest)
	if err != nil {
		return
	}
	_, _ = s.Write(data)
}

// PullTicket fetches one ticket's blob from its holder peers, verifying
// the digest and storing the result locally (§4.9 "lazy pull").
func (bs *BlobSync) PullTicket(ctx context.Context, ticket Ticket) error {
	if bs.blobs.Has(ticket.Digest) {
		return nil
	}

	select {
	case bs.sem <- struct{}{}:
		defer func() { <-bs.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt < bs.cfg.MaxAttempts; attempt++ {
		for _, holder := range ticket.HolderPeers {
			pid, err := peer.Decode(holder)
			if err != nil {
				continue
			}
			if err := bs.pullFrom(ctx, pid, ticket); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		if attempt+1 < bs.cfg.MaxAttempts {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrPeerUnreachable
	}
	return utils.Wrap(lastErr, "blobsync: pull ticket")
}

func (bs *BlobSync) pullFrom(ctx context.Context, holder peer.ID, ticket Ticket) error {
	ctx, cancel := context.WithTimeout(ctx, bs.cfg.Timeout)
	defer cancel()

	stream, err := bs.t.OpenStream(ctx, holder, BlobProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()

	req, err := json.Marshal(blobRequestMsg{Digest: ticket.Digest})
	if err != nil {
		return err
	}
	if _, err := stream.Write(append(req, '\n')); err != nil {
		return err
	}

	maxBytes := bs.cfg.MaxBlobBytes
	if maxBytes <= 0 {
		maxBytes = ticket.Size + 1024
	}
	if _, err := bs.blobs.Download(ctx, ticket.Digest, stream, maxBytes); err != nil {
		return err
	}
	return nil
}

// DeferUntilParent marks a file as pending its owning post (§4.8 causal
// repair interplay, §4.9). ResolveDeferred should be called whenever the
// ingest worker materializes a previously-stub post.
func (bs *BlobSync) DeferUntilParent(fileID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.deferred[fileID] = struct{}{}
}

// ResolveDeferred drops a file id from the deferred set and reports
// whether it was present, letting the caller decide to enqueue the pull
// now that the parent exists.
func (bs *BlobSync) ResolveDeferred(fileID string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.deferred[fileID]; ok {
		delete(bs.deferred, fileID)
		return true
	}
	return false
}

// RunPending periodically scans the store for files with known digests
// but no local bytes and pulls them (§4.9, §5 "bounded per-blob download
// semaphore").
func (bs *BlobSync) RunPending(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bs.sweep(ctx)
		}
	}
}

func (bs *BlobSync) sweep(ctx context.Context) {
	files, err := bs.store.FilesMissingBlob(ctx)
	if err != nil {
		blobsyncLogger.WithError(err).Warn("blobsync: list missing files failed")
		return
	}
	for _, f := range files {
		bs.TriggerPull(ctx, f)
	}
}

// TriggerPull decodes f's ticket and pulls it in the background, marking
// the file row present on success. Safe to call from the periodic sweep
// or, event-driven, the moment the file's owning post materializes (§4.8
// "the worker enqueues the blob download", §4.9). A no-op if f carries no
// ticket or is already present.
func (bs *BlobSync) TriggerPull(ctx context.Context, f File) {
	if f.Present || f.Ticket == "" {
		return
	}
	ticket, err := DecodeTicket(f.Ticket)
	if err != nil {
		return
	}
	go func(f File, ticket Ticket) {
		if err := bs.PullTicket(ctx, ticket); err != nil {
			blobsyncLogger.WithError(err).WithField("file", f.ID).Debug("blobsync: pull failed")
			return
		}
		path, err := bs.materialize(f, ticket.Digest)
		if err != nil {
			blobsyncLogger.WithError(err).WithField("file", f.ID).Warn("blobsync: materialize failed")
		}
		if err := bs.store.SetFilePath(ctx, f.ID, path, true); err != nil {
			blobsyncLogger.WithError(err).Warn("blobsync: mark file present failed")
		}
	}(f, ticket)
}

// materialize copies a pulled blob's bytes into files/downloads/, naming
// the copy by file id plus the announced original name, and returns the
// written path for the file row's local_path (§6.6). The bytes are written
// exactly as stored: for a private thread's attachment that is the
// ciphertext — the plaintext only ever exists in process for holders of
// the thread secret (§3.2). Returns "" when no downloads directory is
// configured.
func (bs *BlobSync) materialize(f File, digest string) (string, error) {
	if bs.cfg.DownloadsDir == "" {
		return "", nil
	}
	data, err := bs.blobs.Export(digest)
	if err != nil {
		return "", err
	}
	name := f.ID
	if base := filepath.Base(f.OriginalName); base != "" && base != "." && base != string(filepath.Separator) {
		name = f.ID + "_" + base
	}
	path := filepath.Join(bs.cfg.DownloadsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", utils.Wrap(err, "materialize download")
	}
	return path, nil
}

// IngestThreadSnapshot applies a full, pre-fetched thread (every post, in
// causal order) through the same per-post apply path ingest.go uses for
// live gossip, so a late-joining node can bulk-load a thread without a
// second code path (§4.9, SPEC_FULL.md §4.13).
func (ig *Ingest) IngestThreadSnapshot(ctx context.Context, announcement ThreadAnnouncement, posts []PostUpdate) error {
	t := Thread{
		ID:             announcement.ThreadID,
		Title:          announcement.Title,
		CreatorPeerID:  announcement.CreatorPeerID,
		CreatedAt:      time.Unix(announcement.CreatedAt, 0).UTC(),
		Visibility:     announcement.Visibility,
		ThreadHash:     announcement.ThreadHash,
		SyncStatus:     SyncDownloading,
		SourceURL:      announcement.SourceURL,
		SourcePlatform: announcement.SourcePlatform,
	}
	if err := ig.store.UpsertThread(ctx, t); err != nil {
		return err
	}
	for _, p := range posts {
		env := Envelope{Kind: EventPostUpdate, AnnouncerPeerID: p.AuthorPeerID}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		env.Payload = raw
		if err := ig.applyPostUpdate(ctx, env); err != nil {
			return err
		}
	}
	// applyPostUpdate already recomputed thread_hash after each post; the
	// snapshot is fully applied once every post has landed, regardless of
	// whether the recomputed hash matches the announcement's (a stale or
	// lying announcer is not this method's concern — ingest's own
	// divergence check handles that on the next announcement it sees).
	return ig.store.SetThreadSyncStatus(ctx, announcement.ThreadID, SyncDownloaded)
}

// ThreadSnapshot is the content-addressed blob a thread's blob_ticket
// points to: the announcement plus every post, in causal order, letting a
// late-joining or diverged node bulk-load a thread in one pull instead of
// waiting for every individual PostUpdate to arrive over gossip (§4.9).
type ThreadSnapshot struct {
	Announcement ThreadAnnouncement `json:"announcement"`
	Posts        []PostUpdate       `json:"posts"`
}

// ResyncThread pulls a thread's snapshot blob (falling back to the network
// if it isn't already held), then applies it via IngestThreadSnapshot. This
// is what a DivergenceHandler registered on Ingest should call (§4.8
// divergence-driven resync, scenario S6).
func (bs *BlobSync) ResyncThread(ctx context.Context, ig *Ingest, threadID, ticketStr string) error {
	if ticketStr == "" {
		return fmt.Errorf("blobsync: resync thread %s: no blob ticket", threadID)
	}
	ticket, err := DecodeTicket(ticketStr)
	if err != nil {
		return err
	}
	if err := bs.store.SetThreadSyncStatus(ctx, threadID, SyncDownloading); err != nil {
		return err
	}
	if !bs.blobs.Has(ticket.Digest) {
		if err := bs.PullTicket(ctx, ticket); err != nil {
			return err
		}
	}
	data, err := bs.blobs.Export(ticket.Digest)
	if err != nil {
		return err
	}
	var snap ThreadSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("blobsync: malformed thread snapshot: %w", err)
	}
	return ig.IngestThreadSnapshot(ctx, snap.Announcement, snap.Posts)
}
